// Package queue publishes failed webhook events to SQS so an operator or a
// downstream worker can follow up on them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subledger/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// FailedEvent is the message body published for an event that finished with
// a processing error or a failed activation step.
type FailedEvent struct {
	ExternalID      string           `json:"externalId"`
	Type            types.EventType  `json:"type"`
	ProcessingError string           `json:"processingError,omitempty"`
	FailedSteps     []types.StepName `json:"failedSteps,omitempty"`
	ReceivedAt      time.Time        `json:"receivedAt"`
	ReportedAt      time.Time        `json:"reportedAt"`
	RequestID       string           `json:"requestId,omitempty"`
}

// FailedEventNotifier sends FailedEvent messages to a single queue.
type FailedEventNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func NewFailedEventNotifier(client SQSSender, queueURL string, logger *slog.Logger) *FailedEventNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailedEventNotifier{client: client, queueURL: queueURL, logger: logger}
}

// NotifyFailed publishes msg. The event type and the error kind travel as
// message attributes so subscribers can filter without parsing the body.
func (n *FailedEventNotifier) NotifyFailed(ctx context.Context, msg FailedEvent) error {
	if msg.ReportedAt.IsZero() {
		msg.ReportedAt = time.Now().UTC()
	}
	if msg.RequestID == "" {
		msg.RequestID = types.GetRequestID(ctx)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal FailedEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Type)),
			},
		},
	}
	if len(msg.FailedSteps) > 0 {
		input.MessageAttributes["failed_step"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(string(msg.FailedSteps[0])),
		}
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send FailedEvent to %s: %w", n.queueURL, err)
	}

	n.logger.InfoContext(ctx, "failed event published",
		"queue_url", n.queueURL,
		"event_id", msg.ExternalID,
		"event_type", string(msg.Type),
	)
	return nil
}

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatch metric and dimension names.
const (
	MetricWebhookEvent        = "WebhookEvent"
	MetricWebhookLatency      = "WebhookLatency"
	MetricActivationStep      = "ActivationStep"
	MetricProviderCall        = "ProviderCall"
	MetricProviderLatency     = "ProviderCallLatency"
	MetricResumption          = "Resumption"
	MetricEntitlementMismatch = "EntitlementMismatch"
	MetricAPILatency          = "APILatency"

	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimStep      = "Step"
	DimStatus    = "Status"
	DimOperation = "Operation"
	DimResult    = "Result"
	DimRoute     = "Route"
	DimMethod    = "Method"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch implements Recorder by calling PutMetricData for every
// observation.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatch)(nil)

func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func (c *CloudWatch) RecordWebhook(ctx context.Context, eventType, outcome string, duration time.Duration) {
	c.put(ctx,
		count(MetricWebhookEvent, dim(DimEventType, eventType), dim(DimOutcome, outcome)),
		millis(MetricWebhookLatency, duration, dim(DimEventType, eventType)),
	)
}

func (c *CloudWatch) RecordStep(ctx context.Context, step, status string) {
	c.put(ctx, count(MetricActivationStep, dim(DimStep, step), dim(DimStatus, status)))
}

func (c *CloudWatch) RecordProviderCall(ctx context.Context, operation, result string, duration time.Duration) {
	c.put(ctx,
		count(MetricProviderCall, dim(DimOperation, operation), dim(DimResult, result)),
		millis(MetricProviderLatency, duration, dim(DimOperation, operation)),
	)
}

func (c *CloudWatch) RecordResume(ctx context.Context, result string) {
	c.put(ctx, count(MetricResumption, dim(DimResult, result)))
}

func (c *CloudWatch) RecordEntitlementMismatch(ctx context.Context) {
	c.put(ctx, count(MetricEntitlementMismatch))
}

func (c *CloudWatch) RecordRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	c.put(ctx, millis(MetricAPILatency, duration, dim(DimMethod, method), dim(DimRoute, route), dim(DimStatus, status)))
}

func (c *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	}
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.ErrorContext(ctx, "failed to put metric data",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func count(name string, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func millis(name string, d time.Duration, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims,
	}
}

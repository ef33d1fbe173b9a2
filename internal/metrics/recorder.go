// Package metrics records reconciliation outcomes. Two backends exist:
// Prometheus (scraped from /metrics) and CloudWatch (pushed per datum).
package metrics

import (
	"context"
	"time"
)

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeIgnored   = "ignored"
)

// Provider call results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder is implemented by every metrics backend. Implementations must not
// fail the caller; emission errors are logged and dropped.
type Recorder interface {
	RecordWebhook(ctx context.Context, eventType, outcome string, duration time.Duration)
	RecordStep(ctx context.Context, step, status string)
	RecordProviderCall(ctx context.Context, operation, result string, duration time.Duration)
	RecordResume(ctx context.Context, result string)
	RecordEntitlementMismatch(ctx context.Context)
	RecordRequest(ctx context.Context, method, route, status string, duration time.Duration)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordWebhook(context.Context, string, string, time.Duration)         {}
func (Nop) RecordStep(context.Context, string, string)                           {}
func (Nop) RecordProviderCall(context.Context, string, string, time.Duration)    {}
func (Nop) RecordResume(context.Context, string)                                 {}
func (Nop) RecordEntitlementMismatch(context.Context)                            {}
func (Nop) RecordRequest(context.Context, string, string, string, time.Duration) {}

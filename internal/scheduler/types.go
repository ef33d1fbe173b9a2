// Package scheduler runs the periodic reconciliation work. In a long-running
// process the Scheduler drives jobs on tickers; under Lambda an EventBridge
// rule invokes the TaskRunner with a TaskPayload instead.
package scheduler

import (
	"context"
	"time"
)

// TaskType identifies a periodic task.
type TaskType string

const (
	TaskResumeActivations TaskType = "resume_activations"
)

// TaskPayload is the JSON sent by an EventBridge rule:
//
//	{
//	  "task": "resume_activations",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type TaskPayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime is logged with the run for manual invocations. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Job is one unit of periodic work. It returns the number of items it
// handled.
type Job func(ctx context.Context) (int, error)

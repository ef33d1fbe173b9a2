package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskRunner routes a TaskPayload to the job registered for its task type.
// It is the Lambda entry point for scheduled invocations.
type TaskRunner struct {
	tasks  map[TaskType]Job
	logger *slog.Logger
}

func NewTaskRunner(logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{tasks: make(map[TaskType]Job), logger: logger}
}

// Register binds job to task.
func (r *TaskRunner) Register(task TaskType, job Job) {
	r.tasks[task] = job
}

// Handle runs the task named by payload.
func (r *TaskRunner) Handle(ctx context.Context, payload TaskPayload) (string, error) {
	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in task payload")
	}
	job, ok := r.tasks[payload.Task]
	if !ok {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	r.logger.InfoContext(ctx, "scheduled task invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)
	items, err := job(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "task execution failed",
			"task", string(payload.Task),
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, items)
	r.logger.InfoContext(ctx, result, "task", string(payload.Task), "items", items)
	return result, nil
}

// Package reconcile keeps local subscription state consistent with the
// payment provider's event stream. Events pass through the dedup gate, are
// routed to a handler and are finalized with the handler's outcome.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/queue"
	"subledger/internal/types"
)

// Result describes what happened to one delivery.
type Result struct {
	EventID         string
	ExternalID      string
	EventType       types.EventType
	Duplicate       bool
	Handled         bool
	ProcessingError string
	Steps           types.StepOutcomes
}

// Processor runs deliveries through the gate, the router and finalization.
// Concurrency across distinct events is bounded by a weighted semaphore.
type Processor struct {
	events   EventStore
	router   *Router
	sem      *semaphore.Weighted
	metrics  metrics.Recorder
	notifier FailureNotifier
	logger   *slog.Logger
}

// ProcessorOption configures optional Processor collaborators.
type ProcessorOption func(*Processor)

func WithMetrics(m metrics.Recorder) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithFailureNotifier publishes every event finalized with an error or a
// failed step.
func WithFailureNotifier(n FailureNotifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

func NewProcessor(events EventStore, router *Router, maxConcurrent int64, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	p := &Processor{
		events:  events,
		router:  router,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: metrics.Nop{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one verified event. raw must be the exact body received.
//
// A duplicate returns immediately without running a handler. Handler
// failures in the NotFound, ValidationError and provider categories are
// recorded on the event and do not surface as an error. The returned error
// is non-nil only when the gate or finalization fails, or the handler fails
// with an Internal error or panics.
func (p *Processor) Process(ctx context.Context, evt *external.ProviderEvent, raw []byte) (*Result, error) {
	start := time.Now()
	eventType := types.EventType(evt.Type)
	res := &Result{ExternalID: evt.ID, EventType: eventType}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return res, types.NewAppError(types.ErrCodeInternalUnexpected, "processing slot not acquired", err)
	}
	defer p.sem.Release(1)

	gate, err := p.events.RecordAndCheck(ctx, evt.ID, eventType, raw)
	if err != nil {
		p.metrics.RecordWebhook(ctx, evt.Type, metrics.OutcomeFailed, time.Since(start))
		return res, err
	}
	if gate.Duplicate {
		res.Duplicate = true
		p.logger.InfoContext(ctx, "duplicate event, skipping",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		p.metrics.RecordWebhook(ctx, evt.Type, metrics.OutcomeDuplicate, time.Since(start))
		return res, nil
	}
	res.EventID = gate.EventID

	d := &Delivery{
		ExternalID: evt.ID,
		Type:       eventType,
		Created:    evt.Created,
		Object:     evt.Object,
		Steps:      types.StepOutcomes{},
	}
	handled, handlerErr := p.dispatch(ctx, d)
	res.Handled = handled
	res.Steps = d.Steps
	res.ProcessingError = types.ProcessingErrorText(handlerErr)

	if handlerErr != nil {
		p.logger.WarnContext(ctx, "event processing failed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", handlerErr,
		)
	}

	if err := p.events.Finalize(ctx, evt.ID, res.ProcessingError); err != nil {
		p.metrics.RecordWebhook(ctx, evt.Type, metrics.OutcomeFailed, time.Since(start))
		return res, err
	}

	_, stepFailed := d.Steps.FirstFailed()
	outcome := metrics.OutcomeProcessed
	switch {
	case handlerErr != nil || stepFailed:
		outcome = metrics.OutcomeFailed
		p.notify(ctx, d, res)
	case !handled:
		outcome = metrics.OutcomeIgnored
	}
	p.metrics.RecordWebhook(ctx, evt.Type, outcome, time.Since(start))

	if handlerErr != nil && types.KindOf(handlerErr) == types.KindInternal {
		return res, handlerErr
	}
	return res, nil
}

// dispatch runs the routed handler, converting a panic into an Internal
// error so the event is still finalized.
func (p *Processor) dispatch(ctx context.Context, d *Delivery) (handled bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.ErrorContext(ctx, "handler panic",
				"event_id", d.ExternalID,
				"event_type", string(d.Type),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			handled = true
			err = types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("handler panic: %v", rec), nil)
		}
	}()
	return p.router.Dispatch(ctx, d)
}

func (p *Processor) notify(ctx context.Context, d *Delivery, res *Result) {
	if p.notifier == nil {
		return
	}
	msg := queue.FailedEvent{
		ExternalID:      d.ExternalID,
		Type:            d.Type,
		ProcessingError: res.ProcessingError,
		ReceivedAt:      time.Now().UTC(),
	}
	for _, step := range types.ActivationSteps {
		if o, ok := d.Steps[step]; ok && o.Status == types.StepFailed {
			msg.FailedSteps = append(msg.FailedSteps, step)
		}
	}
	if err := p.notifier.NotifyFailed(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish failed event",
			"event_id", d.ExternalID,
			"error", err,
		)
	}
}

package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/types"
)

// ResumeReport summarizes one reconcile pass.
type ResumeReport struct {
	Scanned   int
	Completed int
	Failed    int
	Skipped   int
}

// ResumerConfig bounds a reconcile pass.
type ResumerConfig struct {
	Lookback    time.Duration
	MaxAttempts int
	BatchSize   int
	Concurrency int
}

// Resumer re-drives activations whose step ledger still records a failure.
type Resumer struct {
	events     EventStore
	subs       SubscriptionStore
	activation *Activation
	cfg        ResumerConfig
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

func NewResumer(events EventStore, subs SubscriptionStore, activation *Activation, cfg ResumerConfig, m metrics.Recorder, logger *slog.Logger) *Resumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		events:     events,
		subs:       subs,
		activation: activation,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// ResumeIncomplete runs one pass. Each event resumes from its first failed
// step. Events whose subscription has since been canceled are marked
// attempted and left alone. A failure on one event never stops the pass; only
// the listing query can fail it.
func (r *Resumer) ResumeIncomplete(ctx context.Context) (ResumeReport, error) {
	since := r.now().Add(-r.cfg.Lookback)
	events, err := r.events.ListIncompleteActivations(ctx, since, r.cfg.MaxAttempts, r.cfg.BatchSize)
	if err != nil {
		return ResumeReport{}, err
	}

	var completed, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, evt := range events {
		g.Go(func() error {
			switch r.resumeOne(gctx, evt) {
			case resumeCompleted:
				completed.Add(1)
			case resumeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := ResumeReport{
		Scanned:   len(events),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
	if report.Scanned > 0 {
		r.logger.InfoContext(ctx, "reconcile pass finished",
			"scanned", report.Scanned,
			"completed", report.Completed,
			"failed", report.Failed,
			"skipped", report.Skipped,
		)
	}
	return report, nil
}

type resumeResult string

const (
	resumeCompleted resumeResult = "completed"
	resumeFailed    resumeResult = "failed"
	resumeSkipped   resumeResult = "skipped"
)

func (r *Resumer) resumeOne(ctx context.Context, evt *types.Event) resumeResult {
	env, err := external.ParseEnvelope(evt.RawPayload)
	if err != nil {
		r.logger.ErrorContext(ctx, "stored payload is unreadable",
			"event_id", evt.ExternalID,
			"error", err,
		)
		r.finish(ctx, evt, nil, err, resumeFailed)
		return resumeFailed
	}
	d := &Delivery{
		ExternalID: evt.ExternalID,
		Type:       evt.Type,
		Created:    env.Created,
		Object:     env.Object,
		Steps:      types.StepOutcomes{},
	}

	if r.canceled(ctx, d) {
		r.finish(ctx, evt, nil, nil, resumeSkipped)
		return resumeSkipped
	}

	runErr := r.activation.Resume(ctx, d, evt.StepOutcomes)
	result := resumeCompleted
	if _, stillFailed := d.Steps.FirstFailed(); runErr != nil || stillFailed {
		result = resumeFailed
	}
	r.finish(ctx, evt, d.Steps, runErr, result)
	return result
}

// canceled reports whether the event's subscription is locally CANCELED.
// Lookup errors are treated as not canceled; the activation repeats the
// check and records its own failure.
func (r *Resumer) canceled(ctx context.Context, d *Delivery) bool {
	si, err := external.DecodeSetupIntent(d.Object)
	if err != nil {
		return false
	}
	subID := si.Metadata[MetaSubscriptionID]
	if subID == "" {
		return false
	}
	sub, err := r.subs.GetByProviderID(ctx, subID)
	if err != nil {
		return false
	}
	return sub.Status == types.SubscriptionCanceled
}

func (r *Resumer) finish(ctx context.Context, evt *types.Event, outcomes types.StepOutcomes, runErr error, result resumeResult) {
	procErr := types.ProcessingErrorText(runErr)
	if result == resumeSkipped && evt.ProcessingError != nil {
		procErr = *evt.ProcessingError
	}
	if err := r.events.RecordResumption(ctx, evt.ExternalID, outcomes, procErr); err != nil {
		r.logger.ErrorContext(ctx, "failed to record resumption",
			"event_id", evt.ExternalID,
			"error", err,
		)
	}
	r.metrics.RecordResume(ctx, string(result))
}

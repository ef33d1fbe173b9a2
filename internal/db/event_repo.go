package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// GateResult is the outcome of recording an inbound event.
type GateResult struct {
	// Duplicate is true when another delivery of the same external id already
	// claimed the row. The caller must not run the handler.
	Duplicate bool
	// EventID is the local row id (evt_...). Empty on duplicates.
	EventID string
}

// EventRepository owns the events table. It is the only writer of event rows.
type EventRepository struct {
	db DBTX
	// claimLease bounds how long an unfinished claim blocks redelivery.
	claimLease time.Duration
	now        func() time.Time
}

// DefaultClaimLease is the time after which a claimed but never finalized
// event may be claimed again by a redelivery.
const DefaultClaimLease = 15 * time.Minute

// NewEventRepository creates an EventRepository. A zero lease uses DefaultClaimLease.
func NewEventRepository(db DBTX, claimLease time.Duration) *EventRepository {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}
	return &EventRepository{db: db, claimLease: claimLease, now: time.Now}
}

// RecordAndCheck atomically inserts the event, keyed by its external id.
//
// Exactly one concurrent caller per external id gets Duplicate=false. The row
// is marked seen (processed=false) here and completed by Finalize. raw is
// stored byte for byte so the signed body can be verified again later.
//
// A row whose claim is older than the lease and was never finalized is
// re-claimed by the same statement and keeps its id. This only recovers a
// crashed handler when the provider redelivers after the lease; a redelivery
// inside the lease is answered as a duplicate and the row stays unprocessed.
func (r *EventRepository) RecordAndCheck(ctx context.Context, externalID string, eventType types.EventType, raw json.RawMessage) (GateResult, error) {
	id := "evt_" + uuid.New().String()
	staleBefore := r.now().Add(-r.claimLease).UTC()

	var eventID string
	err := r.db.QueryRow(ctx,
		`INSERT INTO events (id, external_id, type, raw_payload, received_at, claimed_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (external_id) DO UPDATE
		   SET claimed_at = NOW()
		   WHERE events.processed = FALSE AND events.claimed_at < $5
		 RETURNING id`,
		id, externalID, string(eventType), []byte(raw), staleBefore,
	).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GateResult{Duplicate: true}, nil
		}
		return GateResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to record event", err)
	}
	return GateResult{EventID: eventID}, nil
}

// RecordStepOutcome merges a single step outcome into the event's ledger.
func (r *EventRepository) RecordStepOutcome(ctx context.Context, externalID string, step types.StepName, outcome types.StepOutcome) error {
	patch, err := types.StepOutcomes{step: outcome}.Value()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode step outcome", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET step_outcomes = step_outcomes || $2::jsonb WHERE external_id = $1`,
		externalID, patch,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record step outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	return nil
}

// Finalize marks the event processed with an optional processing error. The
// processed flag only ever goes false to true; finalizing an already
// processed row is reported as not found.
func (r *EventRepository) Finalize(ctx context.Context, externalID string, processingError string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE events
		 SET processed = TRUE,
		     processing_error = $2,
		     processed_at = NOW()
		 WHERE external_id = $1 AND processed = FALSE`,
		externalID, nilIfEmpty(processingError),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found or already processed", nil)
	}
	return nil
}

// RecordResumption stores the outcome of a reconcile pass over a processed
// event: the merged ledger, the new processing error (empty clears it) and
// one more resume attempt.
func (r *EventRepository) RecordResumption(ctx context.Context, externalID string, outcomes types.StepOutcomes, processingError string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE events
		 SET step_outcomes = step_outcomes || $2::jsonb,
		     processing_error = $3,
		     resume_attempts = resume_attempts + 1
		 WHERE external_id = $1 AND processed = TRUE`,
		externalID, outcomes, nilIfEmpty(processingError),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record resumption", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "processed event not found", nil)
	}
	return nil
}

const eventColumns = `id, external_id, type, raw_payload, received_at, processed,
	processing_error, processed_at, step_outcomes`

func scanEvent(row pgx.Row) (*types.Event, error) {
	var (
		e   types.Event
		typ string
		raw []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&typ,
		&raw,
		&e.ReceivedAt,
		&e.Processed,
		&e.ProcessingError,
		&e.ProcessedAt,
		&e.StepOutcomes,
	); err != nil {
		return nil, err
	}
	e.Type = types.EventType(typ)
	e.RawPayload = raw
	return &e, nil
}

// GetByExternalID returns the event row for an external id.
func (r *EventRepository) GetByExternalID(ctx context.Context, externalID string) (*types.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get event", err)
	}
	return e, nil
}

// ListIncompleteActivations returns processed setup-intent events received
// since the cutoff whose step ledger records at least one failed step and
// which have been resumed fewer than maxAttempts times. Oldest first.
func (r *EventRepository) ListIncompleteActivations(ctx context.Context, since time.Time, maxAttempts, limit int) ([]*types.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE type = $1
		   AND processed = TRUE
		   AND received_at >= $2
		   AND resume_attempts < $3
		   AND EXISTS (
		       SELECT 1 FROM jsonb_each(step_outcomes) s
		       WHERE s.value->>'status' = $4
		   )
		 ORDER BY received_at ASC
		 LIMIT $5`,
		string(types.EventSetupIntentSucceeded), since.UTC(), maxAttempts, string(types.StepFailed), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list incomplete activations", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate events", err)
	}
	return events, nil
}

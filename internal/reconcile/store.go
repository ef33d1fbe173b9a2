package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"subledger/internal/db"
	"subledger/internal/queue"
	"subledger/internal/types"
)

// EventStore is the dedup gate and step ledger. Implemented by
// db.EventRepository.
type EventStore interface {
	RecordAndCheck(ctx context.Context, externalID string, eventType types.EventType, raw json.RawMessage) (db.GateResult, error)
	RecordStepOutcome(ctx context.Context, externalID string, step types.StepName, outcome types.StepOutcome) error
	Finalize(ctx context.Context, externalID string, processingError string) error
	RecordResumption(ctx context.Context, externalID string, outcomes types.StepOutcomes, processingError string) error
	ListIncompleteActivations(ctx context.Context, since time.Time, maxAttempts, limit int) ([]*types.Event, error)
}

// UserStore is implemented by db.UserRepository.
type UserStore interface {
	Upsert(ctx context.Context, appID, email, displayName string) (*types.User, error)
	FindByEmail(ctx context.Context, appID, email string) (*types.User, error)
}

// CustomerStore is implemented by db.CustomerRepository.
type CustomerStore interface {
	Upsert(ctx context.Context, appID, email string, patch types.CustomerPatch) (*types.Customer, error)
	FindByEmail(ctx context.Context, appID, email string) (*types.Customer, error)
}

// SubscriptionStore is implemented by db.SubscriptionRepository.
type SubscriptionStore interface {
	InsertIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error)
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (*types.Subscription, error)
	ApplyState(ctx context.Context, providerSubscriptionID string, state types.SubscriptionState, deviceID string) error
	MarkCanceled(ctx context.Context, providerSubscriptionID string, state types.SubscriptionState) error
}

// DeviceStore is implemented by db.DeviceRepository.
type DeviceStore interface {
	LinkToUser(ctx context.Context, deviceID, userID, appID string) error
}

// EntitlementChecker is implemented by entitlement.Reader.
type EntitlementChecker interface {
	GetEntitlement(ctx context.Context, deviceID, appID string) (types.Entitlement, error)
}

// FailureNotifier is implemented by queue.FailedEventNotifier.
type FailureNotifier interface {
	NotifyFailed(ctx context.Context, msg queue.FailedEvent) error
}

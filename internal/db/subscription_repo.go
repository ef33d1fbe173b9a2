package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// SubscriptionRepository is the subscription state store. Rows are created
// once per provider subscription id and never deleted; afterwards only the
// provider-authoritative fields change.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `id, app_id, user_id, customer_id, device_id, provider_customer_id,
	provider_subscription_id, provider_price_id, status, current_period_start, current_period_end,
	cancel_at_period_end, canceled_at, trial_start, trial_end, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		s       types.Subscription
		priceID *string
		status  string
	)
	if err := row.Scan(
		&s.ID, &s.AppID, &s.UserID, &s.CustomerID, &s.DeviceID, &s.ProviderCustomerID,
		&s.ProviderSubscriptionID, &priceID, &status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.CanceledAt, &s.TrialStart, &s.TrialEnd, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.ProviderPriceID = derefString(priceID)
	s.Status = types.SubscriptionStatus(status)
	return &s, nil
}

// InsertIfAbsent creates the row for sub.ProviderSubscriptionID. It reports
// false without error when a row already exists, leaving it untouched.
func (r *SubscriptionRepository) InsertIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = "sub_" + uuid.New().String()
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, app_id, user_id, customer_id, device_id, provider_customer_id,
		     provider_subscription_id, provider_price_id, status, current_period_start, current_period_end,
		     cancel_at_period_end, canceled_at, trial_start, trial_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (provider_subscription_id) DO NOTHING`,
		sub.ID, sub.AppID, sub.UserID, sub.CustomerID, sub.DeviceID, sub.ProviderCustomerID,
		sub.ProviderSubscriptionID, nilIfEmpty(sub.ProviderPriceID), string(sub.Status),
		utcPtr(sub.CurrentPeriodStart), utcPtr(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, utcPtr(sub.CanceledAt), utcPtr(sub.TrialStart), utcPtr(sub.TrialEnd),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "subscription already recorded",
			"provider_subscription_id", sub.ProviderSubscriptionID)
		return false, nil
	}
	return true, nil
}

// GetByProviderID returns the row for a provider subscription id.
func (r *SubscriptionRepository) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return s, nil
}

// ApplyState writes provider-authoritative state onto the row. A non-empty
// deviceID scopes the subscription to that device; an empty one leaves the
// stored scope unchanged.
func (r *SubscriptionRepository) ApplyState(ctx context.Context, providerSubscriptionID string, state types.SubscriptionState, deviceID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     provider_price_id = COALESCE($3, provider_price_id),
		     current_period_start = $4,
		     current_period_end = $5,
		     cancel_at_period_end = $6,
		     canceled_at = $7,
		     trial_start = $8,
		     trial_end = $9,
		     device_id = COALESCE($10, device_id),
		     updated_at = NOW()
		 WHERE provider_subscription_id = $1`,
		providerSubscriptionID, string(state.Status), nilIfEmpty(state.ProviderPriceID),
		utcPtr(state.CurrentPeriodStart), utcPtr(state.CurrentPeriodEnd),
		state.CancelAtPeriodEnd, utcPtr(state.CanceledAt),
		utcPtr(state.TrialStart), utcPtr(state.TrialEnd),
		nilIfEmpty(deviceID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// MarkCanceled sets the row to CANCELED without a provider fetch. Used only
// when the deletion event is the last word available from the provider.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, providerSubscriptionID string, state types.SubscriptionState) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     canceled_at = COALESCE($3, canceled_at, NOW()),
		     cancel_at_period_end = FALSE,
		     updated_at = NOW()
		 WHERE provider_subscription_id = $1`,
		providerSubscriptionID, string(types.SubscriptionCanceled), utcPtr(state.CanceledAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"subledger/internal/types"
)

// EntitlementRepository answers the read-side entitlement query. It never
// mutates and never caches.
type EntitlementRepository struct {
	db DBTX
}

// NewEntitlementRepository creates a new EntitlementRepository.
func NewEntitlementRepository(db DBTX) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// FindEntitling returns the subscription that currently entitles the device,
// or (nil, nil) when none does.
//
// A subscription entitles the device when it is ACTIVE or TRIALING in the
// tenant and either names the device, or names no device and belongs to the
// device's owner. Device-scoped rows win over user-scoped rows; ties go to
// the latest period end. Precedence is evaluated on every call.
func (r *EntitlementRepository) FindEntitling(ctx context.Context, deviceID, appID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE app_id = $2
		   AND status IN ($3, $4)
		   AND (
		       device_id = $1
		       OR (device_id IS NULL
		           AND user_id = (SELECT user_id FROM devices WHERE id = $1 AND app_id = $2))
		   )
		 ORDER BY (device_id IS NOT NULL) DESC, current_period_end DESC NULLS LAST
		 LIMIT 1`,
		deviceID, appID, string(types.SubscriptionActive), string(types.SubscriptionTrialing),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query entitlement", err)
	}
	return s, nil
}

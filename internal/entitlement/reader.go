// Package entitlement derives device capabilities from subscription state.
package entitlement

import (
	"context"

	"subledger/internal/types"
)

// Finder locates the subscription that currently entitles a device.
// Implemented by db.EntitlementRepository.
type Finder interface {
	FindEntitling(ctx context.Context, deviceID, appID string) (*types.Subscription, error)
}

// Reader answers entitlement queries. It holds no state between calls, so
// device-over-user precedence is evaluated fresh each time.
type Reader struct {
	finder Finder
}

func NewReader(finder Finder) *Reader {
	return &Reader{finder: finder}
}

// GetEntitlement returns the capability set for deviceID in appID. A device
// with no entitling subscription gets the minimum set, not an error.
func (r *Reader) GetEntitlement(ctx context.Context, deviceID, appID string) (types.Entitlement, error) {
	if deviceID == "" || appID == "" {
		return types.Entitlement{}, types.NewAppError(types.ErrCodeValidationMissingField, "deviceId and appId are required", nil)
	}
	sub, err := r.finder.FindEntitling(ctx, deviceID, appID)
	if err != nil {
		return types.Entitlement{}, err
	}
	return types.EntitlementFor(sub != nil && sub.Status.IsEntitled()), nil
}

package reconcile

import (
	"errors"
	"strings"

	"subledger/internal/types"
)

// Metadata keys written onto setup intents by billing.Service.
const (
	MetaSubscriptionID = "subscriptionId"
	MetaInvoiceID      = "invoiceId"
	MetaDeviceID       = "deviceId"
	MetaUserID         = "userId"
	MetaAppID          = "appId"
)

// ErrUnrecognizedMetadata is wrapped by every metadata validation failure.
var ErrUnrecognizedMetadata = errors.New("unrecognized activation metadata")

// ActivationContext is the typed form of a setup intent's metadata. It is
// either a *DeviceActivation or an *AccountActivation.
type ActivationContext interface {
	base() *ActivationBase
}

// ActivationBase holds the fields common to every activation.
type ActivationBase struct {
	SubscriptionID string
	InvoiceID      string
	AppID          string
}

func (b *ActivationBase) base() *ActivationBase { return b }

// DeviceActivation activates a subscription scoped to DeviceID. The device
// is linked to UserID only when one is present.
type DeviceActivation struct {
	ActivationBase
	DeviceID string
	UserID   string
}

// AccountActivation activates a subscription with no device context.
type AccountActivation struct {
	ActivationBase
	UserID string
}

// BaseOf returns the common fields of ac.
func BaseOf(ac ActivationContext) ActivationBase {
	return *ac.base()
}

// ParseActivationContext validates the metadata bag. Only subscriptionId is
// required. A missing appId falls back to defaultAppID.
func ParseActivationContext(metadata map[string]string, defaultAppID string) (ActivationContext, error) {
	get := func(key string) string { return strings.TrimSpace(metadata[key]) }

	base := ActivationBase{
		SubscriptionID: get(MetaSubscriptionID),
		InvoiceID:      get(MetaInvoiceID),
		AppID:          get(MetaAppID),
	}
	if base.AppID == "" {
		base.AppID = defaultAppID
	}
	if base.SubscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMetadata,
			"subscriptionId is required", ErrUnrecognizedMetadata)
	}

	deviceID, userID := get(MetaDeviceID), get(MetaUserID)
	if deviceID != "" {
		return &DeviceActivation{ActivationBase: base, DeviceID: deviceID, UserID: userID}, nil
	}
	return &AccountActivation{ActivationBase: base, UserID: userID}, nil
}

// Linkable reports whether the activation names both a device and its owner.
func (d *DeviceActivation) Linkable() bool {
	return d.DeviceID != "" && d.UserID != ""
}

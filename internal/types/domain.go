package types

import (
	"encoding/json"
	"time"
)

// Event is a provider webhook delivery recorded by the dedup gate.
type Event struct {
	ID              string          `json:"id"`
	ExternalID      string          `json:"external_id"`
	Type            EventType       `json:"type"`
	RawPayload      json.RawMessage `json:"raw_payload"`
	ReceivedAt      time.Time       `json:"received_at"`
	Processed       bool            `json:"processed"`
	ProcessingError *string         `json:"processing_error,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	StepOutcomes    StepOutcomes    `json:"step_outcomes,omitempty"`
}

// User is an end user scoped to a tenant (AppID).
type User struct {
	ID          string    `json:"id"`
	AppID       string    `json:"app_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Address holds the postal fields carried on a Customer.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Customer is the billing identity of a User. ProviderCustomerID is empty
// until the first provider call creates the remote customer.
type Customer struct {
	ID                 string    `json:"id"`
	AppID              string    `json:"app_id"`
	Email              string    `json:"email"`
	UserID             string    `json:"user_id"`
	ProviderCustomerID string    `json:"provider_customer_id,omitempty"`
	Name               string    `json:"name,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	Address            Address   `json:"address"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CustomerPatch carries the non-empty fields to merge over an existing
// Customer. Empty strings leave the stored value untouched.
type CustomerPatch struct {
	UserID             string
	ProviderCustomerID string
	Name               string
	Phone              string
	Address            Address
}

// Subscription is the canonical local subscription record.
type Subscription struct {
	ID                     string             `json:"id"`
	AppID                  string             `json:"app_id"`
	UserID                 string             `json:"user_id"`
	CustomerID             *string            `json:"customer_id,omitempty"`
	DeviceID               *string            `json:"device_id,omitempty"`
	ProviderCustomerID     string             `json:"provider_customer_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	ProviderPriceID        string             `json:"provider_price_id,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	TrialStart             *time.Time         `json:"trial_start,omitempty"`
	TrialEnd               *time.Time         `json:"trial_end,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SubscriptionState is the provider-authoritative portion of a Subscription.
// It is only ever built from a provider fetch or, for deletions, from the
// deletion event itself.
type SubscriptionState struct {
	Status             SubscriptionStatus
	ProviderPriceID    string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// Device is a client installation that can carry its own entitlement.
type Device struct {
	ID          string     `json:"id"`
	AppID       string     `json:"app_id"`
	UserID      *string    `json:"user_id,omitempty"`
	ServerCount int        `json:"server_count"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// UnlimitedServers is the MaxServers sentinel for entitled devices.
const UnlimitedServers = -1

// MinimumServers is the MaxServers value for devices without entitlement.
const MinimumServers = 1

// Entitlement is the capability set derived for a device.
type Entitlement struct {
	HasActiveSubscription bool `json:"hasActiveSubscription"`
	MaxServers            int  `json:"maxServers"`
	CanViewLogs           bool `json:"canViewLogs"`
}

// EntitlementFor builds the capability set for the given active flag.
func EntitlementFor(active bool) Entitlement {
	if active {
		return Entitlement{HasActiveSubscription: true, MaxServers: UnlimitedServers, CanViewLogs: true}
	}
	return Entitlement{MaxServers: MinimumServers}
}

// StepOutcome records how a single activation step ended.
type StepOutcome struct {
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

// StepOutcomes is the per-event step ledger persisted as JSONB.
type StepOutcomes map[StepName]StepOutcome

// FirstFailed returns the earliest failed step in execution order.
func (so StepOutcomes) FirstFailed() (StepName, bool) {
	for _, step := range ActivationSteps {
		if o, ok := so[step]; ok && o.Status == StepFailed {
			return step, true
		}
	}
	return "", false
}

// Succeeded reports whether the step has a recorded success.
func (so StepOutcomes) Succeeded(step StepName) bool {
	o, ok := so[step]
	return ok && o.Status == StepSucceeded
}

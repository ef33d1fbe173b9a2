package external

import (
	"context"
	"encoding/json"
	"time"

	"subledger/internal/types"
)

// PaymentProvider abstracts the outbound calls the reconciliation engine and
// the billing entry points make against the payment provider.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*ProviderCustomer, error)
	RetrieveCustomer(ctx context.Context, customerID string) (*ProviderCustomer, error)

	CreateSetupIntent(ctx context.Context, params SetupIntentParams) (*SetupIntent, error)

	// CreateSubscription creates the subscription with deferred payment, so
	// it starts INCOMPLETE until the activation flow completes.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error)

	// AttachPaymentMethod returns ErrCodeConflictAlreadyAttached when the
	// payment method is already attached.
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	UpdateSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error
	PayInvoice(ctx context.Context, invoiceID, paymentMethodID string) (*ProviderInvoice, error)

	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	RetrieveInvoice(ctx context.Context, invoiceID string) (*ProviderInvoice, error)

	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	ListPrices(ctx context.Context) ([]Price, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// WebhookVerifier checks an inbound event's signature against the exact raw
// bytes received and returns the parsed envelope.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (*ProviderEvent, error)
}

// ProviderEvent is the verified envelope {id, type, created, data.object}.
type ProviderEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

type CreateCustomerParams struct {
	Email    string
	Name     string
	Phone    string
	Address  *types.Address
	Metadata map[string]string
}

type SetupIntentParams struct {
	CustomerID string
	Metadata   map[string]string
}

type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

type ProviderCustomer struct {
	ID    string
	Email string
	Name  string
}

type SetupIntent struct {
	ID           string
	ClientSecret string
}

// ProviderSubscription is the provider's authoritative view of a
// subscription.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	LatestInvoiceID    string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// State converts the provider view into the fields persisted locally.
func (s *ProviderSubscription) State() types.SubscriptionState {
	return types.SubscriptionState{
		Status:             types.ParseSubscriptionStatus(s.Status),
		ProviderPriceID:    s.PriceID,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         s.CanceledAt,
		TrialStart:         s.TrialStart,
		TrialEnd:           s.TrialEnd,
	}
}

const (
	InvoiceStatusDraft = "draft"
	InvoiceStatusOpen  = "open"
	InvoiceStatusPaid  = "paid"
)

type ProviderInvoice struct {
	ID             string
	Status         string
	AmountDue      int64
	Currency       string
	CustomerID     string
	SubscriptionID string
}

// NeedsPayment reports whether the invoice is open with an amount due.
func (i *ProviderInvoice) NeedsPayment() bool {
	return i.Status == InvoiceStatusOpen && i.AmountDue > 0
}

type Price struct {
	ID         string
	ProductID  string
	Currency   string
	UnitAmount int64
	Interval   string
	Nickname   string
}

type Product struct {
	ID          string
	Name        string
	Description string
}

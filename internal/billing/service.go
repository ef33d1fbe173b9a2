package billing

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"subledger/internal/external"
	"subledger/internal/reconcile"
	"subledger/internal/types"
)

// Identities resolves local users and customers. Implemented by
// reconcile.Resolver.
type Identities interface {
	ResolveOrCreateUser(ctx context.Context, email, appID, displayName string) (*types.User, error)
	ResolveOrCreateCustomer(ctx context.Context, email, appID string, patch types.CustomerPatch) (*types.Customer, error)
	ResolveExisting(ctx context.Context, email, appID string) (*types.User, *types.Customer, error)
}

// SubscriptionRecorder is the subset of the subscription store used to
// record a subscription as soon as the provider returns it.
type SubscriptionRecorder interface {
	InsertIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error)
}

// StartSubscriptionInput describes a new subscription purchase.
type StartSubscriptionInput struct {
	Email       string         `json:"email" validate:"required,email"`
	DisplayName string         `json:"displayName" validate:"omitempty,max=200"`
	AppID       string         `json:"appId" validate:"omitempty,max=100"`
	PriceID     string         `json:"priceId" validate:"required"`
	DeviceID    string         `json:"deviceId" validate:"omitempty,max=200"`
	Address     *types.Address `json:"address,omitempty"`
}

// StartSubscriptionResult carries what the client needs to confirm the
// setup intent.
type StartSubscriptionResult struct {
	SubscriptionID          string `json:"subscriptionId"`
	InvoiceID               string `json:"invoiceId,omitempty"`
	CustomerID              string `json:"customerId"`
	SetupIntentID           string `json:"setupIntentId"`
	SetupIntentClientSecret string `json:"setupIntentClientSecret"`
}

// Service implements the billing entry points.
type Service struct {
	provider     external.PaymentProvider
	identities   Identities
	subs         SubscriptionRecorder
	catalog      PlanCatalog
	validate     *validator.Validate
	defaultAppID string
	logger       *slog.Logger
}

func NewService(provider external.PaymentProvider, identities Identities, subs SubscriptionRecorder, defaultAppID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider:     provider,
		identities:   identities,
		subs:         subs,
		catalog:      NewProviderCatalog(provider),
		validate:     validator.New(),
		defaultAppID: defaultAppID,
		logger:       logger,
	}
}

func (s *Service) appID(appID string) string {
	if appID != "" {
		return appID
	}
	return s.defaultAppID
}

// StartSubscription creates a subscription in deferred-payment mode and a
// setup intent that carries the activation metadata. Activation completes
// when the provider reports the setup intent as succeeded.
//
// Flow:
//  1. Resolve or create the User and Customer.
//  2. Ensure the Customer has a provider customer id.
//  3. Create the subscription (default_incomplete) and record it locally.
//  4. Create the setup intent with {subscriptionId, invoiceId, userId, appId, deviceId?}.
func (s *Service) StartSubscription(ctx context.Context, in StartSubscriptionInput) (*StartSubscriptionResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "invalid subscription request", err)
	}
	appID := s.appID(in.AppID)

	user, err := s.identities.ResolveOrCreateUser(ctx, in.Email, appID, in.DisplayName)
	if err != nil {
		return nil, err
	}
	patch := types.CustomerPatch{UserID: user.ID, Name: in.DisplayName}
	if in.Address != nil {
		patch.Address = *in.Address
	}
	customer, err := s.identities.ResolveOrCreateCustomer(ctx, in.Email, appID, patch)
	if err != nil {
		return nil, err
	}
	providerCustomerID, err := s.ensureProviderCustomer(ctx, user, customer, in.Address)
	if err != nil {
		return nil, err
	}

	subMeta := map[string]string{
		reconcile.MetaUserID: user.ID,
		reconcile.MetaAppID:  appID,
	}
	if in.DeviceID != "" {
		subMeta[reconcile.MetaDeviceID] = in.DeviceID
	}
	sub, err := s.provider.CreateSubscription(ctx, external.CreateSubscriptionParams{
		CustomerID: providerCustomerID,
		PriceID:    in.PriceID,
		Metadata:   subMeta,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create subscription",
			"user_id", user.ID,
			"price_id", in.PriceID,
			"error", err,
		)
		return nil, err
	}

	state := sub.State()
	customerID := customer.ID
	if _, err := s.subs.InsertIfAbsent(ctx, &types.Subscription{
		AppID:                  appID,
		UserID:                 user.ID,
		CustomerID:             &customerID,
		ProviderCustomerID:     providerCustomerID,
		ProviderSubscriptionID: sub.ID,
		ProviderPriceID:        state.ProviderPriceID,
		Status:                 state.Status,
		CurrentPeriodStart:     state.CurrentPeriodStart,
		CurrentPeriodEnd:       state.CurrentPeriodEnd,
		TrialStart:             state.TrialStart,
		TrialEnd:               state.TrialEnd,
	}); err != nil {
		return nil, err
	}

	siMeta := map[string]string{
		reconcile.MetaSubscriptionID: sub.ID,
		reconcile.MetaUserID:         user.ID,
		reconcile.MetaAppID:          appID,
	}
	if sub.LatestInvoiceID != "" {
		siMeta[reconcile.MetaInvoiceID] = sub.LatestInvoiceID
	}
	if in.DeviceID != "" {
		siMeta[reconcile.MetaDeviceID] = in.DeviceID
	}
	si, err := s.provider.CreateSetupIntent(ctx, external.SetupIntentParams{
		CustomerID: providerCustomerID,
		Metadata:   siMeta,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create setup intent",
			"subscription_id", sub.ID,
			"error", err,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription started",
		"user_id", user.ID,
		"subscription_id", sub.ID,
		"setup_intent_id", si.ID,
		"app_id", appID,
	)
	return &StartSubscriptionResult{
		SubscriptionID:          sub.ID,
		InvoiceID:               sub.LatestInvoiceID,
		CustomerID:              providerCustomerID,
		SetupIntentID:           si.ID,
		SetupIntentClientSecret: si.ClientSecret,
	}, nil
}

// ensureProviderCustomer returns the customer's provider id, creating the
// remote customer the first time and storing its id.
func (s *Service) ensureProviderCustomer(ctx context.Context, user *types.User, customer *types.Customer, addr *types.Address) (string, error) {
	if customer.ProviderCustomerID != "" {
		return customer.ProviderCustomerID, nil
	}
	pc, err := s.provider.CreateCustomer(ctx, external.CreateCustomerParams{
		Email:   customer.Email,
		Name:    customer.Name,
		Phone:   customer.Phone,
		Address: addr,
		Metadata: map[string]string{
			reconcile.MetaUserID: user.ID,
			reconcile.MetaAppID:  customer.AppID,
		},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create provider customer",
			"customer_id", customer.ID,
			"error", err,
		)
		return "", err
	}
	if _, err := s.identities.ResolveOrCreateCustomer(ctx, customer.Email, customer.AppID, types.CustomerPatch{
		UserID:             user.ID,
		ProviderCustomerID: pc.ID,
	}); err != nil {
		return "", err
	}
	return pc.ID, nil
}

// CreatePortalSession returns a billing portal URL for an existing
// customer. The return URL is supplied by the caller's configuration, never
// by the end user.
func (s *Service) CreatePortalSession(ctx context.Context, email, appID, returnURL string) (string, error) {
	if returnURL == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "portal return url is not configured", nil)
	}
	user, customer, err := s.identities.ResolveExisting(ctx, email, s.appID(appID))
	if err != nil {
		return "", err
	}
	providerCustomerID, err := s.ensureProviderCustomer(ctx, user, customer, nil)
	if err != nil {
		return "", err
	}
	url, err := s.provider.CreateBillingPortalSession(ctx, providerCustomerID, returnURL)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create portal session",
			"customer_id", customer.ID,
			"error", err,
		)
		return "", err
	}
	return url, nil
}

// ListPlans returns the active plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.catalog.ListPlans(ctx)
}

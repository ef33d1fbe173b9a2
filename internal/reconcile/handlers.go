package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"subledger/internal/external"
	"subledger/internal/types"
)

// Handlers implements the non-activation event handlers.
type Handlers struct {
	provider     external.PaymentProvider
	resolver     *Resolver
	subs         SubscriptionStore
	defaultAppID string
	logger       *slog.Logger
}

func NewHandlers(provider external.PaymentProvider, resolver *Resolver, subs SubscriptionStore, defaultAppID string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		provider:     provider,
		resolver:     resolver,
		subs:         subs,
		defaultAppID: defaultAppID,
		logger:       logger,
	}
}

// Register wires every handler, including the activation flow, onto r.
func (h *Handlers) Register(r *Router, activation *Activation) {
	r.Handle(types.EventCheckoutSessionCompleted, h.CheckoutCompleted)
	r.Handle(types.EventSubscriptionCreated, h.SubscriptionCreated)
	r.Handle(types.EventSubscriptionUpdated, h.SubscriptionUpdated)
	r.Handle(types.EventSubscriptionDeleted, h.SubscriptionDeleted)
	r.Handle(types.EventInvoicePaid, h.InvoiceChanged)
	r.Handle(types.EventInvoicePaymentFailed, h.InvoiceChanged)
	r.Handle(types.EventSetupIntentSucceeded, activation.Handle)
}

func (h *Handlers) appID(metadata map[string]string) string {
	if v := metadata[MetaAppID]; v != "" {
		return v
	}
	return h.defaultAppID
}

// CheckoutCompleted creates or merges the buyer's User and Customer.
func (h *Handlers) CheckoutCompleted(ctx context.Context, d *Delivery) error {
	cs, err := external.DecodeCheckoutSession(d.Object)
	if err != nil {
		return err
	}
	appID := h.appID(cs.Metadata)

	user, err := h.resolver.ResolveOrCreateUser(ctx, cs.Email, appID, cs.Name)
	if err != nil {
		return err
	}
	patch := types.CustomerPatch{
		UserID:             user.ID,
		ProviderCustomerID: cs.CustomerID,
		Name:               cs.Name,
		Phone:              cs.Phone,
	}
	if cs.Address != nil {
		patch.Address = *cs.Address
	}
	customer, err := h.resolver.ResolveOrCreateCustomer(ctx, cs.Email, appID, patch)
	if err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "checkout resolved",
		"event_id", d.ExternalID,
		"user_id", user.ID,
		"customer_id", customer.ID,
		"app_id", appID,
	)
	return nil
}

// SubscriptionCreated records a new subscription for a pre-existing
// customer. The provider customer's email is the join key.
func (h *Handlers) SubscriptionCreated(ctx context.Context, d *Delivery) error {
	sub, err := external.DecodeSubscription(d.Object)
	if err != nil {
		return err
	}
	if sub.CustomerID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription has no customer", nil)
	}

	pc, err := h.provider.RetrieveCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	appID := h.appID(sub.Metadata)

	user, customer, err := h.resolver.ResolveExisting(ctx, pc.Email, appID)
	if err != nil {
		return err
	}
	if customer.ProviderCustomerID == "" {
		if _, err := h.resolver.ResolveOrCreateCustomer(ctx, pc.Email, appID, types.CustomerPatch{
			UserID:             user.ID,
			ProviderCustomerID: sub.CustomerID,
		}); err != nil {
			return err
		}
	}

	state := sub.State()
	customerID := customer.ID
	inserted, err := h.subs.InsertIfAbsent(ctx, &types.Subscription{
		AppID:                  appID,
		UserID:                 user.ID,
		CustomerID:             &customerID,
		ProviderCustomerID:     sub.CustomerID,
		ProviderSubscriptionID: sub.ID,
		ProviderPriceID:        state.ProviderPriceID,
		Status:                 state.Status,
		CurrentPeriodStart:     state.CurrentPeriodStart,
		CurrentPeriodEnd:       state.CurrentPeriodEnd,
		CancelAtPeriodEnd:      state.CancelAtPeriodEnd,
		CanceledAt:             state.CanceledAt,
		TrialStart:             state.TrialStart,
		TrialEnd:               state.TrialEnd,
	})
	if err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "subscription created",
		"event_id", d.ExternalID,
		"subscription_id", sub.ID,
		"status", string(state.Status),
		"inserted", inserted,
	)
	return nil
}

// SubscriptionUpdated re-syncs the row from a fresh provider read. The
// payload only identifies the subscription.
func (h *Handlers) SubscriptionUpdated(ctx context.Context, d *Delivery) error {
	sub, err := external.DecodeSubscription(d.Object)
	if err != nil {
		return err
	}
	return h.syncSubscription(ctx, d, sub.ID)
}

// SubscriptionDeleted re-syncs like an update. When the provider cannot be
// reached the deletion event itself is authoritative and the row is
// canceled with the payload's canceled_at.
func (h *Handlers) SubscriptionDeleted(ctx context.Context, d *Delivery) error {
	sub, err := external.DecodeSubscription(d.Object)
	if err != nil {
		return err
	}
	if _, err := h.subs.GetByProviderID(ctx, sub.ID); err != nil {
		return err
	}

	fresh, err := h.provider.RetrieveSubscription(ctx, sub.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "re-fetch failed on deletion, canceling from event payload",
			"event_id", d.ExternalID,
			"subscription_id", sub.ID,
			"error", err,
		)
		return h.subs.MarkCanceled(ctx, sub.ID, sub.State())
	}
	return h.apply(ctx, d, fresh)
}

// InvoiceChanged re-syncs the invoice's subscription. Invoices without a
// subscription are ignored.
func (h *Handlers) InvoiceChanged(ctx context.Context, d *Delivery) error {
	inv, err := external.DecodeInvoice(d.Object)
	if err != nil {
		return err
	}
	if inv.SubscriptionID == "" {
		h.logger.InfoContext(ctx, "invoice has no subscription, ignoring",
			"event_id", d.ExternalID,
			"invoice_id", inv.ID,
		)
		return nil
	}
	return h.syncSubscription(ctx, d, inv.SubscriptionID)
}

func (h *Handlers) syncSubscription(ctx context.Context, d *Delivery, providerSubscriptionID string) error {
	if _, err := h.subs.GetByProviderID(ctx, providerSubscriptionID); err != nil {
		return err
	}
	fresh, err := h.provider.RetrieveSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return fmt.Errorf("re-fetch subscription %s: %w", providerSubscriptionID, err)
	}
	return h.apply(ctx, d, fresh)
}

func (h *Handlers) apply(ctx context.Context, d *Delivery, fresh *external.ProviderSubscription) error {
	state := fresh.State()
	if err := h.subs.ApplyState(ctx, fresh.ID, state, ""); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscription state applied",
		"event_id", d.ExternalID,
		"event_type", string(d.Type),
		"subscription_id", fresh.ID,
		"status", string(state.Status),
	)
	return nil
}

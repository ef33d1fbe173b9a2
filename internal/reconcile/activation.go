package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/types"
)

// StepRecorder persists step outcomes onto the event row.
type StepRecorder interface {
	RecordStepOutcome(ctx context.Context, externalID string, step types.StepName, outcome types.StepOutcome) error
}

// Activation completes payment-method attachment and subscription
// activation after a setup intent succeeds.
//
// Every step runs even when an earlier one failed. Only the final re-fetch
// writes subscription state, and only the device link depends on its
// result.
type Activation struct {
	provider     external.PaymentProvider
	subs         SubscriptionStore
	steps        StepRecorder
	linker       *Linker
	entitlements EntitlementChecker
	metrics      metrics.Recorder
	defaultAppID string
	logger       *slog.Logger
	now          func() time.Time
}

// ActivationDeps groups the collaborators of an Activation.
type ActivationDeps struct {
	Provider     external.PaymentProvider
	Subs         SubscriptionStore
	Steps        StepRecorder
	Linker       *Linker
	Entitlements EntitlementChecker
	Metrics      metrics.Recorder
	DefaultAppID string
	Logger       *slog.Logger
}

func NewActivation(deps ActivationDeps) *Activation {
	a := &Activation{
		provider:     deps.Provider,
		subs:         deps.Subs,
		steps:        deps.Steps,
		linker:       deps.Linker,
		entitlements: deps.Entitlements,
		metrics:      deps.Metrics,
		defaultAppID: deps.DefaultAppID,
		logger:       deps.Logger,
		now:          time.Now,
	}
	if a.metrics == nil {
		a.metrics = metrics.Nop{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// activationRun carries the state of one pass over the steps.
type activationRun struct {
	d          *Delivery
	si         *external.SetupIntentEvent
	ac         ActivationContext
	base       ActivationBase
	finalState *types.SubscriptionState
	// storedStatus is the local status written by an earlier pass, used
	// when this pass starts after the final re-fetch.
	storedStatus types.SubscriptionStatus
}

// Handle runs the flow for a setup_intent.succeeded delivery.
func (a *Activation) Handle(ctx context.Context, d *Delivery) error {
	return a.run(ctx, d, 0)
}

// Resume re-runs the flow from the first failed step in prior. Steps before
// it already succeeded and are not repeated.
func (a *Activation) Resume(ctx context.Context, d *Delivery, prior types.StepOutcomes) error {
	first, ok := prior.FirstFailed()
	if !ok {
		return nil
	}
	return a.run(ctx, d, slices.Index(types.ActivationSteps, first))
}

func (a *Activation) run(ctx context.Context, d *Delivery, from int) error {
	if d.Steps == nil {
		d.Steps = types.StepOutcomes{}
	}
	si, err := external.DecodeSetupIntent(d.Object)
	if err != nil {
		return err
	}
	ac, err := ParseActivationContext(si.Metadata, a.defaultAppID)
	if err != nil {
		return err
	}
	run := &activationRun{d: d, si: si, ac: ac, base: BaseOf(ac)}

	local, err := a.subs.GetByProviderID(ctx, run.base.SubscriptionID)
	switch {
	case err != nil && !types.IsKind(err, types.KindNotFound):
		return err
	case err == nil && local.Status == types.SubscriptionCanceled:
		a.logger.WarnContext(ctx, "subscription is canceled, skipping activation",
			"event_id", d.ExternalID,
			"subscription_id", run.base.SubscriptionID,
		)
		return nil
	case err == nil:
		run.storedStatus = local.Status
	}

	steps := []struct {
		name types.StepName
		fn   func(context.Context, *activationRun) (types.StepStatus, error)
	}{
		{types.StepAttachPaymentMethod, a.attachPaymentMethod},
		{types.StepSetCustomerDefault, a.setCustomerDefault},
		{types.StepSetSubscriptionDefault, a.setSubscriptionDefault},
		{types.StepPayInvoice, a.payInvoice},
		{types.StepFinalRefetch, a.finalRefetch},
		{types.StepLinkDevice, a.linkDevice},
	}

	var fatal error
	for i, step := range steps {
		if i < from {
			continue
		}
		status, stepErr := step.fn(ctx, run)
		a.record(ctx, run, step.name, status, stepErr)

		// A failed final write or device link fails the event. Provider
		// steps only leave their outcome in the ledger.
		if stepErr != nil && fatal == nil && (step.name == types.StepFinalRefetch || step.name == types.StepLinkDevice) {
			fatal = stepErr
		}
	}
	return fatal
}

func (a *Activation) record(ctx context.Context, run *activationRun, step types.StepName, status types.StepStatus, stepErr error) {
	outcome := types.StepOutcome{Status: status, At: a.now().UTC()}
	if stepErr != nil {
		outcome.Status = types.StepFailed
		outcome.Error = types.ProcessingErrorText(stepErr)
	}
	run.d.Steps[step] = outcome
	a.metrics.RecordStep(ctx, string(step), string(outcome.Status))

	attrs := []any{
		"event_id", run.d.ExternalID,
		"subscription_id", run.base.SubscriptionID,
		"step", string(step),
		"status", string(outcome.Status),
	}
	if stepErr != nil {
		a.logger.WarnContext(ctx, "activation step failed", append(attrs, "error", stepErr)...)
	} else {
		a.logger.InfoContext(ctx, "activation step", attrs...)
	}

	if err := a.steps.RecordStepOutcome(ctx, run.d.ExternalID, step, outcome); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist step outcome",
			"event_id", run.d.ExternalID,
			"step", string(step),
			"error", err,
		)
	}
}

func (run *activationRun) hasPaymentMethod() bool {
	return run.si.PaymentMethodID != "" && run.si.CustomerID != ""
}

func (a *Activation) attachPaymentMethod(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	if !run.hasPaymentMethod() {
		return types.StepSkipped, nil
	}
	err := a.provider.AttachPaymentMethod(ctx, run.si.PaymentMethodID, run.si.CustomerID)
	if types.HasCode(err, types.ErrCodeConflictAlreadyAttached) {
		return types.StepSucceeded, nil
	}
	return types.StepSucceeded, err
}

func (a *Activation) setCustomerDefault(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	if !run.hasPaymentMethod() {
		return types.StepSkipped, nil
	}
	return types.StepSucceeded, a.provider.SetDefaultPaymentMethod(ctx, run.si.CustomerID, run.si.PaymentMethodID)
}

func (a *Activation) setSubscriptionDefault(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	if run.si.PaymentMethodID == "" {
		return types.StepSkipped, nil
	}
	return types.StepSucceeded, a.provider.UpdateSubscriptionPaymentMethod(ctx, run.base.SubscriptionID, run.si.PaymentMethodID)
}

// payInvoice nudges activation when the provider did not charge on its own:
// the subscription is still incomplete and its invoice is open with an
// amount due.
func (a *Activation) payInvoice(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	sub, err := a.provider.RetrieveSubscription(ctx, run.base.SubscriptionID)
	if err != nil {
		return types.StepFailed, err
	}
	if types.ParseSubscriptionStatus(sub.Status) != types.SubscriptionIncomplete {
		return types.StepSkipped, nil
	}

	invoiceID := run.base.InvoiceID
	if invoiceID == "" {
		invoiceID = sub.LatestInvoiceID
	}
	if invoiceID == "" {
		return types.StepSkipped, nil
	}
	inv, err := a.provider.RetrieveInvoice(ctx, invoiceID)
	if err != nil {
		return types.StepFailed, err
	}
	if !inv.NeedsPayment() {
		return types.StepSkipped, nil
	}
	if _, err := a.provider.PayInvoice(ctx, invoiceID, run.si.PaymentMethodID); err != nil {
		return types.StepFailed, err
	}
	return types.StepSucceeded, nil
}

// finalRefetch is the authoritative read and the only write of subscription
// state in the flow.
func (a *Activation) finalRefetch(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	sub, err := a.provider.RetrieveSubscription(ctx, run.base.SubscriptionID)
	if err != nil {
		return types.StepFailed, err
	}
	state := sub.State()

	var deviceID string
	if da, ok := run.ac.(*DeviceActivation); ok {
		deviceID = da.DeviceID
	}
	if err := a.subs.ApplyState(ctx, run.base.SubscriptionID, state, deviceID); err != nil {
		return types.StepFailed, err
	}
	run.finalState = &state
	return types.StepSucceeded, nil
}

// linkDevice runs only for an ACTIVE final state with both device and user
// in the metadata, then re-reads the entitlement as a consistency check.
func (a *Activation) linkDevice(ctx context.Context, run *activationRun) (types.StepStatus, error) {
	da, ok := run.ac.(*DeviceActivation)
	if !ok || !da.Linkable() {
		return types.StepSkipped, nil
	}
	status := run.storedStatus
	if run.finalState != nil {
		status = run.finalState.Status
	} else if run.d.Steps[types.StepFinalRefetch].Status == types.StepFailed {
		return types.StepSkipped, nil
	}
	if status != types.SubscriptionActive {
		return types.StepSkipped, nil
	}
	if err := a.linker.LinkDeviceToUser(ctx, da.DeviceID, da.UserID, da.AppID); err != nil {
		return types.StepFailed, err
	}

	if a.entitlements != nil {
		ent, err := a.entitlements.GetEntitlement(ctx, da.DeviceID, da.AppID)
		switch {
		case err != nil:
			a.logger.WarnContext(ctx, "entitlement re-read failed after activation",
				"device_id", da.DeviceID,
				"error", err,
			)
		case !ent.HasActiveSubscription:
			a.metrics.RecordEntitlementMismatch(ctx)
			a.logger.WarnContext(ctx, "device does not report active entitlement after activation",
				"event_id", run.d.ExternalID,
				"device_id", da.DeviceID,
				"subscription_id", da.SubscriptionID,
			)
		}
	}
	return types.StepSucceeded, nil
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subledger/internal/external"
	"subledger/internal/types"
)

func seedActivation(h *harness) {
	h.store.addUser("u_1", testAppID, "buyer@example.com")
	h.store.addDevice("dev_1", testAppID, "")
	h.store.addSub(types.Subscription{
		UserID:                 "u_1",
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		Status:                 types.SubscriptionIncomplete,
	})
	h.provider.setSub(external.ProviderSubscription{
		ID:              "sub_1",
		CustomerID:      "cus_1",
		Status:          "active",
		LatestInvoiceID: "in_1",
	})
	h.provider.setInvoice(external.ProviderInvoice{
		ID:             "in_1",
		Status:         external.InvoiceStatusPaid,
		SubscriptionID: "sub_1",
	})
}

func deviceMetadata() map[string]string {
	return map[string]string{
		MetaSubscriptionID: "sub_1",
		MetaInvoiceID:      "in_1",
		MetaDeviceID:       "dev_1",
		MetaUserID:         "u_1",
	}
}

func TestProcessor_DeviceActivation(t *testing.T) {
	h := newHarness(t)
	seedActivation(h)

	evt, raw := envelope(t, "evt_a", types.EventSetupIntentSucceeded, setupIntentObject(deviceMetadata()))
	res := h.process(t, evt, raw)

	assert.False(t, res.Duplicate)
	assert.True(t, res.Handled)
	assert.Empty(t, res.ProcessingError)

	sub := h.store.sub("sub_1")
	require.NotNil(t, sub)
	assert.Equal(t, types.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.DeviceID)
	assert.Equal(t, "dev_1", *sub.DeviceID)

	dev := h.store.device("dev_1", testAppID)
	require.NotNil(t, dev.UserID)
	assert.Equal(t, "u_1", *dev.UserID)

	ent, err := h.reader.GetEntitlement(context.Background(), "dev_1", testAppID)
	require.NoError(t, err)
	assert.Equal(t, types.Entitlement{
		HasActiveSubscription: true,
		MaxServers:            types.UnlimitedServers,
		CanViewLogs:           true,
	}, ent)

	stored := h.store.event("evt_a")
	require.NotNil(t, stored)
	assert.True(t, stored.Processed)
	assert.Nil(t, stored.ProcessingError)
	assert.Equal(t, types.StepSucceeded, stored.StepOutcomes[types.StepAttachPaymentMethod].Status)
	assert.Equal(t, types.StepSkipped, stored.StepOutcomes[types.StepPayInvoice].Status)
	assert.Equal(t, types.StepSucceeded, stored.StepOutcomes[types.StepFinalRefetch].Status)
	assert.Equal(t, types.StepSucceeded, stored.StepOutcomes[types.StepLinkDevice].Status)
	assert.Empty(t, h.notifier.sent())
}

func TestProcessor_Idempotency(t *testing.T) {
	h := newHarness(t)
	h.store.addSub(types.Subscription{ProviderSubscriptionID: "sub_1", UserID: "u_1", Status: types.SubscriptionIncomplete})
	h.provider.setSub(external.ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"})

	evt, raw := envelope(t, "evt_dup", types.EventSubscriptionUpdated, subscriptionObject("sub_1", "cus_1", "active"))

	first := h.process(t, evt, raw)
	assert.False(t, first.Duplicate)
	for range 3 {
		again := h.process(t, evt, raw)
		assert.True(t, again.Duplicate)
		assert.False(t, again.Handled)
	}

	assert.Equal(t, 1, h.provider.count("RetrieveSubscription"))
	assert.Equal(t, 1, h.store.writes())
}

func TestProcessor_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	h.store.addSub(types.Subscription{ProviderSubscriptionID: "sub_1", UserID: "u_1", Status: types.SubscriptionIncomplete})
	h.provider.setSub(external.ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"})

	evt, raw := envelope(t, "evt_race", types.EventSubscriptionUpdated, subscriptionObject("sub_1", "cus_1", "active"))

	const deliveries = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*Result, deliveries)
	)
	for i := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.processor.Process(context.Background(), evt, raw)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(start)
	wg.Wait()

	executed := 0
	for _, res := range results {
		if !res.Duplicate {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, h.provider.count("RetrieveSubscription"))
	assert.Equal(t, 1, h.store.writes())
}

func TestProcessor_SubscriptionCreatedWithoutUser(t *testing.T) {
	h := newHarness(t)
	h.provider.setCustomer(external.ProviderCustomer{ID: "cus_9", Email: "nobody@example.com"})

	evt, raw := envelope(t, "evt_d", types.EventSubscriptionCreated, subscriptionObject("sub_9", "cus_9", "incomplete"))
	res := h.process(t, evt, raw)

	assert.Equal(t, "NotFound: user", res.ProcessingError)
	stored := h.store.event("evt_d")
	require.NotNil(t, stored)
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessingError)
	assert.Equal(t, "NotFound: user", *stored.ProcessingError)
	assert.Nil(t, h.store.sub("sub_9"))

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "evt_d", sent[0].ExternalID)
	assert.Equal(t, "NotFound: user", sent[0].ProcessingError)
}

func TestProcessor_UnknownEventType(t *testing.T) {
	h := newHarness(t)

	evt, raw := envelope(t, "evt_unknown", types.EventType("charge.refunded"), map[string]any{"id": "ch_1"})
	res := h.process(t, evt, raw)

	assert.False(t, res.Handled)
	assert.Empty(t, res.ProcessingError)
	stored := h.store.event("evt_unknown")
	require.NotNil(t, stored)
	assert.True(t, stored.Processed)
}

func TestProcessor_ValidationErrorIsRecorded(t *testing.T) {
	h := newHarness(t)

	evt, raw := envelope(t, "evt_v", types.EventSetupIntentSucceeded, setupIntentObject(map[string]string{MetaDeviceID: "dev_1"}))
	res := h.process(t, evt, raw)

	assert.Equal(t, "ValidationError: subscriptionId is required", res.ProcessingError)
	assert.Zero(t, h.provider.count("AttachPaymentMethod"))
	assert.True(t, h.store.event("evt_v").Processed)
}

func TestProcessor_HandlerPanicIsInternal(t *testing.T) {
	h := newHarness(t)
	h.router.Handle(types.EventInvoicePaid, func(context.Context, *Delivery) error {
		panic("boom")
	})

	evt, raw := envelope(t, "evt_panic", types.EventInvoicePaid, map[string]any{"id": "in_1"})
	res, err := h.processor.Process(context.Background(), evt, raw)

	require.Error(t, err)
	assert.Equal(t, types.KindInternal, types.KindOf(err))
	assert.Contains(t, res.ProcessingError, "Internal: handler panic: boom")

	stored := h.store.event("evt_panic")
	assert.True(t, stored.Processed)
	require.NotNil(t, stored.ProcessingError)
}

func TestProcessor_GateFailure(t *testing.T) {
	h := newHarness(t)
	h.store.gateErr = types.NewAppError(types.ErrCodeInternalDB, "failed to record event", errors.New("conn refused"))

	evt, raw := envelope(t, "evt_gate", types.EventInvoicePaid, map[string]any{"id": "in_1"})
	_, err := h.processor.Process(context.Background(), evt, raw)

	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
	assert.Nil(t, h.store.event("evt_gate"))
}

func TestProcessor_FailedStepIsPublished(t *testing.T) {
	h := newHarness(t)
	seedActivation(h)
	h.provider.fail("AttachPaymentMethod", upstreamDown("attach payment method"))

	evt, raw := envelope(t, "evt_step", types.EventSetupIntentSucceeded, setupIntentObject(deviceMetadata()))
	res := h.process(t, evt, raw)

	// Provider step failures stay in the ledger and do not fail the event.
	assert.Empty(t, res.ProcessingError)
	assert.Equal(t, types.StepFailed, res.Steps[types.StepAttachPaymentMethod].Status)

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []types.StepName{types.StepAttachPaymentMethod}, sent[0].FailedSteps)
}

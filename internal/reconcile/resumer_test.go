package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subledger/internal/types"
)

func newTestResumer(h *harness, maxAttempts int) *Resumer {
	return NewResumer(h.store, h.store, h.activation, ResumerConfig{
		Lookback:    time.Hour,
		MaxAttempts: maxAttempts,
		BatchSize:   10,
		Concurrency: 2,
	}, nil, discardLogger())
}

func TestResumer_CompletesFailedActivation(t *testing.T) {
	h := newHarness(t)
	seedActivation(h)
	h.provider.fail("UpdateSubscriptionPaymentMethod", upstreamDown("update subscription"))

	evt, raw := envelope(t, "evt_r1", types.EventSetupIntentSucceeded, setupIntentObject(deviceMetadata()))
	res := h.process(t, evt, raw)
	require.Equal(t, types.StepFailed, res.Steps[types.StepSetSubscriptionDefault].Status)
	attachCalls := h.provider.count("AttachPaymentMethod")

	h.provider.fail("UpdateSubscriptionPaymentMethod", nil)
	report, err := newTestResumer(h, 3).ResumeIncomplete(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResumeReport{Scanned: 1, Completed: 1}, report)
	assert.Equal(t, attachCalls, h.provider.count("AttachPaymentMethod"))

	stored := h.store.event("evt_r1")
	assert.Equal(t, types.StepSucceeded, stored.StepOutcomes[types.StepSetSubscriptionDefault].Status)
	assert.Equal(t, types.StepSucceeded, stored.StepOutcomes[types.StepAttachPaymentMethod].Status)
	assert.Nil(t, stored.ProcessingError)
	_, stillFailed := stored.StepOutcomes.FirstFailed()
	assert.False(t, stillFailed)

	// Nothing left to resume.
	report, err = newTestResumer(h, 3).ResumeIncomplete(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestResumer_StopsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	seedActivation(h)
	h.provider.fail("RetrieveSubscription", upstreamDown("retrieve subscription"))

	evt, raw := envelope(t, "evt_r2", types.EventSetupIntentSucceeded, setupIntentObject(deviceMetadata()))
	h.process(t, evt, raw)

	r := newTestResumer(h, 2)
	for range 2 {
		report, err := r.ResumeIncomplete(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
	}
	report, err := r.ResumeIncomplete(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	stored := h.store.event("evt_r2")
	require.NotNil(t, stored.ProcessingError)
	assert.Contains(t, *stored.ProcessingError, "ProviderTransientError")
}

func TestResumer_SkipsCanceledSubscription(t *testing.T) {
	h := newHarness(t)
	seedActivation(h)

	evt, raw := envelope(t, "evt_r3", types.EventSetupIntentSucceeded, setupIntentObject(deviceMetadata()))
	h.store.seedEvent(evt, raw, types.StepOutcomes{
		types.StepAttachPaymentMethod: {Status: types.StepFailed, Error: "ProviderTransientError: timeout"},
	})
	h.store.addSub(types.Subscription{UserID: "u_1", ProviderSubscriptionID: "sub_1", Status: types.SubscriptionCanceled})

	report, err := newTestResumer(h, 3).ResumeIncomplete(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResumeReport{Scanned: 1, Skipped: 1}, report)
	assert.Zero(t, h.provider.count("AttachPaymentMethod"))
	assert.Equal(t, 1, h.store.resumes["evt_r3"])
}

func TestResumer_ListFailure(t *testing.T) {
	h := newHarness(t)
	h.store.listErr = types.NewAppError(types.ErrCodeInternalDB, "failed to list incomplete activations", errors.New("timeout"))

	_, err := newTestResumer(h, 3).ResumeIncomplete(context.Background())
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

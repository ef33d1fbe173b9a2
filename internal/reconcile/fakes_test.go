package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subledger/internal/db"
	"subledger/internal/entitlement"
	"subledger/internal/external"
	"subledger/internal/queue"
	"subledger/internal/types"
)

const testAppID = "default"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// memStore
// =============================================================================

// memStore implements every store interface in memory. It enforces the same
// unique keys as the schema: events.external_id, users(app_id, email),
// customers(app_id, email), subscriptions.provider_subscription_id and
// devices(id, app_id).
type memStore struct {
	mu sync.Mutex

	events    map[string]*types.Event
	resumes   map[string]int
	users     map[string]*types.User
	customers map[string]*types.Customer
	subs      map[string]*types.Subscription
	devices   map[string]*types.Device

	seq         int
	stateWrites int
	gateErr     error
	listErr     error
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]*types.Event),
		resumes:   make(map[string]int),
		users:     make(map[string]*types.User),
		customers: make(map[string]*types.Customer),
		subs:      make(map[string]*types.Subscription),
		devices:   make(map[string]*types.Device),
	}
}

func key(appID, v string) string { return appID + "|" + v }

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%d", prefix, s.seq)
}

func (s *memStore) RecordAndCheck(_ context.Context, externalID string, eventType types.EventType, raw json.RawMessage) (db.GateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gateErr != nil {
		return db.GateResult{}, s.gateErr
	}
	if _, ok := s.events[externalID]; ok {
		return db.GateResult{Duplicate: true}, nil
	}
	id := s.nextID("evt")
	s.events[externalID] = &types.Event{
		ID:           id,
		ExternalID:   externalID,
		Type:         eventType,
		RawPayload:   raw,
		ReceivedAt:   time.Now().UTC(),
		StepOutcomes: types.StepOutcomes{},
	}
	return db.GateResult{EventID: id}, nil
}

func (s *memStore) RecordStepOutcome(_ context.Context, externalID string, step types.StepName, outcome types.StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[externalID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	e.StepOutcomes[step] = outcome
	return nil
}

func (s *memStore) Finalize(_ context.Context, externalID string, processingError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[externalID]
	if !ok || e.Processed {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "unfinalized event not found", nil)
	}
	now := time.Now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	e.ProcessingError = nilIfEmpty(processingError)
	return nil
}

func (s *memStore) RecordResumption(_ context.Context, externalID string, outcomes types.StepOutcomes, processingError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[externalID]
	if !ok || !e.Processed {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "processed event not found", nil)
	}
	maps.Copy(e.StepOutcomes, outcomes)
	e.ProcessingError = nilIfEmpty(processingError)
	s.resumes[externalID]++
	return nil
}

func (s *memStore) ListIncompleteActivations(_ context.Context, since time.Time, maxAttempts, limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.Event
	for _, e := range s.events {
		if e.Type != types.EventSetupIntentSucceeded || !e.Processed || e.ReceivedAt.Before(since) {
			continue
		}
		if s.resumes[e.ExternalID] >= maxAttempts {
			continue
		}
		if _, failed := e.StepOutcomes.FirstFailed(); !failed {
			continue
		}
		cp := *e
		cp.StepOutcomes = maps.Clone(e.StepOutcomes)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *types.Event) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) event(externalID string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[externalID]
	if !ok {
		return nil
	}
	cp := *e
	cp.StepOutcomes = maps.Clone(e.StepOutcomes)
	return &cp
}

// seedEvent stores an already processed event with the given ledger.
func (s *memStore) seedEvent(evt *external.ProviderEvent, raw []byte, outcomes types.StepOutcomes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ID] = &types.Event{
		ID:           s.nextID("evt"),
		ExternalID:   evt.ID,
		Type:         types.EventType(evt.Type),
		RawPayload:   raw,
		ReceivedAt:   time.Now().UTC(),
		Processed:    true,
		StepOutcomes: maps.Clone(outcomes),
	}
}

func (s *memStore) Upsert(_ context.Context, appID, email, displayName string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(appID, db.NormalizeEmail(email))
	u, ok := s.users[k]
	if !ok {
		u = &types.User{ID: s.nextID("usr"), AppID: appID, Email: db.NormalizeEmail(email)}
		s.users[k] = u
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindByEmail(_ context.Context, appID, email string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[key(appID, db.NormalizeEmail(email))]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) addUser(id, appID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[key(appID, db.NormalizeEmail(email))] = &types.User{ID: id, AppID: appID, Email: db.NormalizeEmail(email)}
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// memCustomers adapts memStore to CustomerStore, whose method names collide
// with UserStore.
type memCustomers struct{ s *memStore }

func (c memCustomers) Upsert(_ context.Context, appID, email string, patch types.CustomerPatch) (*types.Customer, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(appID, db.NormalizeEmail(email))
	cust, ok := s.customers[k]
	if !ok {
		if patch.UserID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "customer requires a user id", nil)
		}
		cust = &types.Customer{ID: s.nextID("cus"), AppID: appID, Email: db.NormalizeEmail(email)}
		s.customers[k] = cust
	}
	merge := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	merge(&cust.UserID, patch.UserID)
	merge(&cust.ProviderCustomerID, patch.ProviderCustomerID)
	merge(&cust.Name, patch.Name)
	merge(&cust.Phone, patch.Phone)
	merge(&cust.Address.Line1, patch.Address.Line1)
	merge(&cust.Address.Line2, patch.Address.Line2)
	merge(&cust.Address.City, patch.Address.City)
	merge(&cust.Address.State, patch.Address.State)
	merge(&cust.Address.PostalCode, patch.Address.PostalCode)
	merge(&cust.Address.Country, patch.Address.Country)
	cp := *cust
	return &cp, nil
}

func (c memCustomers) FindByEmail(_ context.Context, appID, email string) (*types.Customer, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cust, ok := s.customers[key(appID, db.NormalizeEmail(email))]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundCustomer, "customer not found", nil)
	}
	cp := *cust
	return &cp, nil
}

func (s *memStore) customer(appID, email string) *types.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	cust, ok := s.customers[key(appID, db.NormalizeEmail(email))]
	if !ok {
		return nil
	}
	cp := *cust
	return &cp
}

func (s *memStore) InsertIfAbsent(_ context.Context, sub *types.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ProviderSubscriptionID]; ok {
		return false, nil
	}
	cp := *sub
	if cp.ID == "" {
		cp.ID = s.nextID("sub")
	}
	s.subs[sub.ProviderSubscriptionID] = &cp
	return true, nil
}

func (s *memStore) GetByProviderID(_ context.Context, providerSubscriptionID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) ApplyState(_ context.Context, providerSubscriptionID string, state types.SubscriptionState, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	s.stateWrites++
	sub.Status = state.Status
	if state.ProviderPriceID != "" {
		sub.ProviderPriceID = state.ProviderPriceID
	}
	sub.CurrentPeriodStart = state.CurrentPeriodStart
	sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	sub.CanceledAt = state.CanceledAt
	sub.TrialStart = state.TrialStart
	sub.TrialEnd = state.TrialEnd
	if deviceID != "" {
		sub.DeviceID = &deviceID
	}
	return nil
}

func (s *memStore) MarkCanceled(_ context.Context, providerSubscriptionID string, state types.SubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	s.stateWrites++
	sub.Status = types.SubscriptionCanceled
	sub.CancelAtPeriodEnd = false
	if state.CanceledAt != nil {
		sub.CanceledAt = state.CanceledAt
	}
	return nil
}

func (s *memStore) addSub(sub types.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = s.nextID("sub")
	}
	if sub.AppID == "" {
		sub.AppID = testAppID
	}
	s.subs[sub.ProviderSubscriptionID] = &sub
}

func (s *memStore) sub(providerSubscriptionID string) *types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[providerSubscriptionID]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateWrites
}

func (s *memStore) LinkToUser(_ context.Context, deviceID, userID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key(appID, deviceID)]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundDevice, "device not found", nil)
	}
	known := false
	for _, u := range s.users {
		if u.ID == userID {
			known = true
			break
		}
	}
	if !known {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	d.UserID = &userID
	d.IsActive = true
	return nil
}

func (s *memStore) addDevice(id, appID string, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &types.Device{ID: id, AppID: appID}
	if ownerID != "" {
		d.UserID = &ownerID
	}
	s.devices[key(appID, id)] = d
}

func (s *memStore) device(id, appID string) *types.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key(appID, id)]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (s *memStore) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// FindEntitling mirrors the SQL precedence: device-scoped rows first, then
// the latest period end.
func (s *memStore) FindEntitling(_ context.Context, deviceID, appID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owner string
	if d, ok := s.devices[key(appID, deviceID)]; ok && d.UserID != nil {
		owner = *d.UserID
	}

	var candidates []*types.Subscription
	for _, sub := range s.subs {
		if sub.AppID != appID || !sub.Status.IsEntitled() {
			continue
		}
		deviceScoped := sub.DeviceID != nil && *sub.DeviceID == deviceID
		userScoped := sub.DeviceID == nil && owner != "" && sub.UserID == owner
		if deviceScoped || userScoped {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	slices.SortFunc(candidates, func(a, b *types.Subscription) int {
		if (a.DeviceID != nil) != (b.DeviceID != nil) {
			if a.DeviceID != nil {
				return -1
			}
			return 1
		}
		switch {
		case a.CurrentPeriodEnd == nil && b.CurrentPeriodEnd == nil:
			return 0
		case a.CurrentPeriodEnd == nil:
			return 1
		case b.CurrentPeriodEnd == nil:
			return -1
		}
		return b.CurrentPeriodEnd.Compare(*a.CurrentPeriodEnd)
	})
	cp := *candidates[0]
	return &cp, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =============================================================================
// fakeProvider
// =============================================================================

type fakeProvider struct {
	mu sync.Mutex

	subs      map[string]*external.ProviderSubscription
	invoices  map[string]*external.ProviderInvoice
	customers map[string]*external.ProviderCustomer
	errs      map[string]error
	calls     map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:      make(map[string]*external.ProviderSubscription),
		invoices:  make(map[string]*external.ProviderInvoice),
		customers: make(map[string]*external.ProviderCustomer),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (p *fakeProvider) enter(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.errs[op]
}

func (p *fakeProvider) fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

func (p *fakeProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) setSub(sub external.ProviderSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID] = &sub
}

func (p *fakeProvider) setStatus(subID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[subID].Status = status
}

func (p *fakeProvider) setInvoice(inv external.ProviderInvoice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices[inv.ID] = &inv
}

func (p *fakeProvider) setCustomer(c external.ProviderCustomer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers[c.ID] = &c
}

func upstreamDown(op string) error {
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, op+": upstream unavailable", nil)
}

func noSuch(what string) error {
	return types.NewAppError(types.ErrCodeUpstreamRejected, "No such "+what, nil)
}

func (p *fakeProvider) CreateCustomer(_ context.Context, params external.CreateCustomerParams) (*external.ProviderCustomer, error) {
	if err := p.enter("CreateCustomer"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &external.ProviderCustomer{ID: fmt.Sprintf("cus_p%d", len(p.customers)+1), Email: params.Email, Name: params.Name}
	p.customers[c.ID] = c
	return c, nil
}

func (p *fakeProvider) RetrieveCustomer(_ context.Context, customerID string) (*external.ProviderCustomer, error) {
	if err := p.enter("RetrieveCustomer"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.customers[customerID]
	if !ok {
		return nil, noSuch("customer")
	}
	cp := *c
	return &cp, nil
}

func (p *fakeProvider) CreateSetupIntent(_ context.Context, params external.SetupIntentParams) (*external.SetupIntent, error) {
	if err := p.enter("CreateSetupIntent"); err != nil {
		return nil, err
	}
	return &external.SetupIntent{ID: "seti_new", ClientSecret: "seti_new_secret"}, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, params external.CreateSubscriptionParams) (*external.ProviderSubscription, error) {
	if err := p.enter("CreateSubscription"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &external.ProviderSubscription{
		ID:              fmt.Sprintf("sub_p%d", len(p.subs)+1),
		CustomerID:      params.CustomerID,
		Status:          "incomplete",
		PriceID:         params.PriceID,
		LatestInvoiceID: "in_new",
		Metadata:        params.Metadata,
	}
	p.subs[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) AttachPaymentMethod(context.Context, string, string) error {
	return p.enter("AttachPaymentMethod")
}

func (p *fakeProvider) SetDefaultPaymentMethod(context.Context, string, string) error {
	return p.enter("SetDefaultPaymentMethod")
}

func (p *fakeProvider) UpdateSubscriptionPaymentMethod(context.Context, string, string) error {
	return p.enter("UpdateSubscriptionPaymentMethod")
}

// PayInvoice settles the invoice and activates the subscription it belongs
// to, as the provider does on a successful charge.
func (p *fakeProvider) PayInvoice(_ context.Context, invoiceID, _ string) (*external.ProviderInvoice, error) {
	if err := p.enter("PayInvoice"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, noSuch("invoice")
	}
	inv.Status = external.InvoiceStatusPaid
	if sub, ok := p.subs[inv.SubscriptionID]; ok {
		sub.Status = "active"
	}
	cp := *inv
	return &cp, nil
}

func (p *fakeProvider) RetrieveSubscription(_ context.Context, subscriptionID string) (*external.ProviderSubscription, error) {
	if err := p.enter("RetrieveSubscription"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[subscriptionID]
	if !ok {
		return nil, noSuch("subscription")
	}
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) RetrieveInvoice(_ context.Context, invoiceID string) (*external.ProviderInvoice, error) {
	if err := p.enter("RetrieveInvoice"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, noSuch("invoice")
	}
	cp := *inv
	return &cp, nil
}

func (p *fakeProvider) CreateBillingPortalSession(_ context.Context, customerID, _ string) (string, error) {
	if err := p.enter("CreateBillingPortalSession"); err != nil {
		return "", err
	}
	return "https://billing.example.com/session/" + customerID, nil
}

func (p *fakeProvider) ListPrices(context.Context) ([]external.Price, error) {
	return nil, p.enter("ListPrices")
}

func (p *fakeProvider) ListProducts(context.Context) ([]external.Product, error) {
	return nil, p.enter("ListProducts")
}

// =============================================================================
// fakeNotifier
// =============================================================================

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []queue.FailedEvent
}

func (n *fakeNotifier) NotifyFailed(_ context.Context, msg queue.FailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *fakeNotifier) sent() []queue.FailedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.msgs)
}

// =============================================================================
// harness
// =============================================================================

type harness struct {
	store      *memStore
	provider   *fakeProvider
	notifier   *fakeNotifier
	router     *Router
	activation *Activation
	processor  *Processor
	reader     *entitlement.Reader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()
	store := newMemStore()
	provider := newFakeProvider()
	notifier := &fakeNotifier{}
	reader := entitlement.NewReader(store)

	resolver := NewResolver(store, memCustomers{store})
	activation := NewActivation(ActivationDeps{
		Provider:     provider,
		Subs:         store,
		Steps:        store,
		Linker:       NewLinker(store, logger),
		Entitlements: reader,
		DefaultAppID: testAppID,
		Logger:       logger,
	})
	router := NewRouter(logger)
	NewHandlers(provider, resolver, store, testAppID, logger).Register(router, activation)

	return &harness{
		store:      store,
		provider:   provider,
		notifier:   notifier,
		router:     router,
		activation: activation,
		processor:  NewProcessor(store, router, 8, logger, WithFailureNotifier(notifier)),
		reader:     reader,
	}
}

// envelope builds a provider event around object and returns it together
// with the raw body it was parsed from.
func envelope(t *testing.T, id string, eventType types.EventType, object any) (*external.ProviderEvent, []byte) {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    string(eventType),
		"created": 1700000000,
		"data":    map[string]any{"object": json.RawMessage(obj)},
	})
	require.NoError(t, err)
	evt, err := external.ParseEnvelope(raw)
	require.NoError(t, err)
	return evt, raw
}

func setupIntentObject(metadata map[string]string) map[string]any {
	return map[string]any{
		"id":             "seti_1",
		"object":         "setup_intent",
		"customer":       "cus_1",
		"payment_method": "pm_1",
		"metadata":       metadata,
	}
}

func subscriptionObject(id, customerID, status string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "subscription",
		"customer": customerID,
		"status":   status,
		"metadata": map[string]string{},
	}
}

func (h *harness) process(t *testing.T, evt *external.ProviderEvent, raw []byte) *Result {
	t.Helper()
	res, err := h.processor.Process(context.Background(), evt, raw)
	require.NoError(t, err)
	return res
}

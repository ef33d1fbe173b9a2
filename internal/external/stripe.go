package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"subledger/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
	Observer  CallObserver
}

// CallObserver receives one observation per provider operation.
type CallObserver interface {
	RecordProviderCall(ctx context.Context, operation, result string, duration time.Duration)
}

// StripeClient implements PaymentProvider with direct form-encoded calls to
// the Stripe REST API through BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
	observer  CallObserver
}

// NewStripeClient creates a StripeClient whose BaseClient uses the supplied
// retry policy.
func NewStripeClient(httpClient *http.Client, policy RetryPolicy, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", policy, "Subledger/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
		observer:  cfg.Observer,
	}
}

func (s *StripeClient) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*ProviderCustomer, error) {
	form := url.Values{}
	form.Set("email", params.Email)
	if params.Name != "" {
		form.Set("name", params.Name)
	}
	if params.Phone != "" {
		form.Set("phone", params.Phone)
	}
	if a := params.Address; a != nil {
		setIfNotEmpty(form, "address[line1]", a.Line1)
		setIfNotEmpty(form, "address[line2]", a.Line2)
		setIfNotEmpty(form, "address[city]", a.City)
		setIfNotEmpty(form, "address[state]", a.State)
		setIfNotEmpty(form, "address[postal_code]", a.PostalCode)
		setIfNotEmpty(form, "address[country]", a.Country)
	}
	setMetadata(form, params.Metadata)

	var c stripeCustomer
	if err := s.post(ctx, "CreateCustomer", "/v1/customers", form, &c); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created stripe customer", "customer_id", c.ID)
	return c.toProvider(), nil
}

func (s *StripeClient) RetrieveCustomer(ctx context.Context, customerID string) (*ProviderCustomer, error) {
	var c stripeCustomer
	if err := s.get(ctx, "RetrieveCustomer", "/v1/customers/"+url.PathEscape(customerID), nil, &c); err != nil {
		return nil, err
	}
	return c.toProvider(), nil
}

func (s *StripeClient) CreateSetupIntent(ctx context.Context, params SetupIntentParams) (*SetupIntent, error) {
	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("usage", "off_session")
	form.Set("automatic_payment_methods[enabled]", "true")
	setMetadata(form, params.Metadata)

	var si stripeSetupIntent
	if err := s.post(ctx, "CreateSetupIntent", "/v1/setup_intents", form, &si); err != nil {
		return nil, err
	}
	return &SetupIntent{ID: si.ID, ClientSecret: si.ClientSecret}, nil
}

func (s *StripeClient) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error) {
	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("items[0][price]", params.PriceID)
	form.Set("payment_behavior", "default_incomplete")
	form.Set("payment_settings[save_default_payment_method]", "on_subscription")
	form.Add("expand[]", "latest_invoice")
	setMetadata(form, params.Metadata)

	var sub stripeSubscription
	if err := s.post(ctx, "CreateSubscription", "/v1/subscriptions", form, &sub); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created stripe subscription",
		"subscription_id", sub.ID,
		"status", sub.Status,
	)
	return sub.toProvider(), nil
}

func (s *StripeClient) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error {
	form := url.Values{}
	form.Set("customer", customerID)
	path := "/v1/payment_methods/" + url.PathEscape(paymentMethodID) + "/attach"
	return s.post(ctx, "AttachPaymentMethod", path, form, nil)
}

func (s *StripeClient) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	form := url.Values{}
	form.Set("invoice_settings[default_payment_method]", paymentMethodID)
	return s.post(ctx, "SetDefaultPaymentMethod", "/v1/customers/"+url.PathEscape(customerID), form, nil)
}

func (s *StripeClient) UpdateSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error {
	form := url.Values{}
	form.Set("default_payment_method", paymentMethodID)
	return s.post(ctx, "UpdateSubscriptionPaymentMethod", "/v1/subscriptions/"+url.PathEscape(subscriptionID), form, nil)
}

func (s *StripeClient) PayInvoice(ctx context.Context, invoiceID, paymentMethodID string) (*ProviderInvoice, error) {
	form := url.Values{}
	if paymentMethodID != "" {
		form.Set("payment_method", paymentMethodID)
	}
	var inv stripeInvoice
	if err := s.post(ctx, "PayInvoice", "/v1/invoices/"+url.PathEscape(invoiceID)+"/pay", form, &inv); err != nil {
		return nil, err
	}
	return inv.toProvider(), nil
}

func (s *StripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	var sub stripeSubscription
	if err := s.get(ctx, "RetrieveSubscription", "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return sub.toProvider(), nil
}

func (s *StripeClient) RetrieveInvoice(ctx context.Context, invoiceID string) (*ProviderInvoice, error) {
	var inv stripeInvoice
	if err := s.get(ctx, "RetrieveInvoice", "/v1/invoices/"+url.PathEscape(invoiceID), nil, &inv); err != nil {
		return nil, err
	}
	return inv.toProvider(), nil
}

func (s *StripeClient) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	if returnURL != "" {
		form.Set("return_url", returnURL)
	}
	var session struct {
		URL string `json:"url"`
	}
	if err := s.post(ctx, "CreateBillingPortalSession", "/v1/billing_portal/sessions", form, &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

func (s *StripeClient) ListPrices(ctx context.Context) ([]Price, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("limit", "100")

	var list struct {
		Data []stripePrice `json:"data"`
	}
	if err := s.get(ctx, "ListPrices", "/v1/prices", params, &list); err != nil {
		return nil, err
	}
	prices := make([]Price, 0, len(list.Data))
	for _, p := range list.Data {
		price := Price{
			ID:         p.ID,
			ProductID:  p.Product,
			Currency:   p.Currency,
			UnitAmount: p.UnitAmount,
			Nickname:   p.Nickname,
		}
		if p.Recurring != nil {
			price.Interval = p.Recurring.Interval
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (s *StripeClient) ListProducts(ctx context.Context) ([]Product, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("limit", "100")

	var list struct {
		Data []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"data"`
	}
	if err := s.get(ctx, "ListProducts", "/v1/products", params, &list); err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(list.Data))
	for _, p := range list.Data {
		products = append(products, Product{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return products, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) get(ctx context.Context, operation, path string, params url.Values, out any) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	s.setAuthHeaders(req)
	return s.do(req, operation, out)
}

// post sends a form-encoded POST. A fresh Idempotency-Key is attached so the
// BaseClient retry cannot apply the mutation twice.
func (s *StripeClient) post(ctx context.Context, operation, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	s.setAuthHeaders(req)
	return s.do(req, operation, out)
}

func (s *StripeClient) do(req *http.Request, operation string, out any) (err error) {
	if s.observer != nil {
		start := time.Now()
		defer func() {
			result := "success"
			if err != nil {
				result = "failure"
			}
			s.observer.RecordProviderCall(req.Context(), operation, result, time.Since(start))
		}()
	}

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return s.handleErrorResponse(resp, operation)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: failed to decode Stripe response", operation), err)
	}
	return nil
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

func setIfNotEmpty(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}

func setMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		if v != "" {
			form.Set("metadata["+k+"]", v)
		}
	}
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}
	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError classifies a non-2xx Stripe reply. 4xx replies are
// ProviderError (the request itself was refused) and are not retried.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	details := map[string]any{"stripe_code": stripeErr.Code, "status": statusCode}

	if strings.Contains(strings.ToLower(stripeErr.Message), "already been attached") {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyAttached,
			fmt.Sprintf("%s: %s", operation, stripeErr.Message), nil, details)
	}
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		details["decline_code"] = stripeErr.DeclineCode
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message), nil, details)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil, details)
	}
}

func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if appErr, ok := err.(*types.AppError); ok {
		return types.NewAppErrorWithDetails(appErr.Code,
			fmt.Sprintf("%s: %s", operation, appErr.Message), appErr.Err, appErr.Details)
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (c *stripeCustomer) toProvider() *ProviderCustomer {
	return &ProviderCustomer{ID: c.ID, Email: c.Email, Name: c.Name}
}

type stripeSetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type stripePrice struct {
	ID         string `json:"id"`
	Product    string `json:"product"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unit_amount"`
	Nickname   string `json:"nickname"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

// expandable holds a Stripe field that is either an id string or an
// expanded object carrying an "id".
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

// unixTime decodes Stripe's nullable unix-seconds timestamps.
type unixTime struct {
	t *time.Time
}

func (u *unixTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		u.t = nil
		return nil
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("unix timestamp: %w", err)
	}
	if secs == 0 {
		u.t = nil
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	u.t = &t
	return nil
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandable        `json:"customer"`
	Status             string            `json:"status"`
	LatestInvoice      expandable        `json:"latest_invoice"`
	CurrentPeriodStart unixTime          `json:"current_period_start"`
	CurrentPeriodEnd   unixTime          `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         unixTime          `json:"canceled_at"`
	TrialStart         unixTime          `json:"trial_start"`
	TrialEnd           unixTime          `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart unixTime `json:"current_period_start"`
			CurrentPeriodEnd   unixTime `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// toProvider flattens the subscription. Newer API versions moved the period
// bounds onto the subscription items; the top-level fields win when present.
func (s *stripeSubscription) toProvider() *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                 s.ID,
		CustomerID:         string(s.Customer),
		Status:             s.Status,
		LatestInvoiceID:    string(s.LatestInvoice),
		CurrentPeriodStart: s.CurrentPeriodStart.t,
		CurrentPeriodEnd:   s.CurrentPeriodEnd.t,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         s.CanceledAt.t,
		TrialStart:         s.TrialStart.t,
		TrialEnd:           s.TrialEnd.t,
		Metadata:           s.Metadata,
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.PriceID = item.Price.ID
		if out.CurrentPeriodStart == nil {
			out.CurrentPeriodStart = item.CurrentPeriodStart.t
		}
		if out.CurrentPeriodEnd == nil {
			out.CurrentPeriodEnd = item.CurrentPeriodEnd.t
		}
	}
	return out
}

type stripeInvoice struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	AmountDue    int64      `json:"amount_due"`
	Currency     string     `json:"currency"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *stripeInvoice) toProvider() *ProviderInvoice {
	subID := string(i.Subscription)
	if subID == "" && i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		subID = string(i.Parent.SubscriptionDetails.Subscription)
	}
	return &ProviderInvoice{
		ID:             i.ID,
		Status:         i.Status,
		AmountDue:      i.AmountDue,
		Currency:       i.Currency,
		CustomerID:     string(i.Customer),
		SubscriptionID: subID,
	}
}

// DecodeSubscription parses a subscription object as carried in an event's
// data.object.
func DecodeSubscription(raw json.RawMessage) (*ProviderSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "malformed subscription object", err)
	}
	if sub.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription object has no id", nil)
	}
	return sub.toProvider(), nil
}

// DecodeInvoice parses an invoice object as carried in an event's data.object.
func DecodeInvoice(raw json.RawMessage) (*ProviderInvoice, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "malformed invoice object", err)
	}
	return inv.toProvider(), nil
}

// CheckoutSession is the subset of a completed checkout session used to
// resolve the buyer's identity.
type CheckoutSession struct {
	ID         string
	CustomerID string
	Email      string
	Name       string
	Phone      string
	Address    *types.Address
	Metadata   map[string]string
}

// DecodeCheckoutSession parses a checkout session object.
func DecodeCheckoutSession(raw json.RawMessage) (*CheckoutSession, error) {
	var cs struct {
		ID              string            `json:"id"`
		Customer        expandable        `json:"customer"`
		CustomerEmail   string            `json:"customer_email"`
		Metadata        map[string]string `json:"metadata"`
		CustomerDetails *struct {
			Email   string         `json:"email"`
			Name    string         `json:"name"`
			Phone   string         `json:"phone"`
			Address *stripeAddress `json:"address"`
		} `json:"customer_details"`
	}
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "malformed checkout session object", err)
	}
	out := &CheckoutSession{
		ID:         cs.ID,
		CustomerID: string(cs.Customer),
		Email:      cs.CustomerEmail,
		Metadata:   cs.Metadata,
	}
	if d := cs.CustomerDetails; d != nil {
		if d.Email != "" {
			out.Email = d.Email
		}
		out.Name = d.Name
		out.Phone = d.Phone
		if d.Address != nil {
			out.Address = &types.Address{
				Line1:      d.Address.Line1,
				Line2:      d.Address.Line2,
				City:       d.Address.City,
				State:      d.Address.State,
				PostalCode: d.Address.PostalCode,
				Country:    d.Address.Country,
			}
		}
	}
	return out, nil
}

type stripeAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// SetupIntentEvent is the subset of a succeeded setup intent consumed by the
// activation flow.
type SetupIntentEvent struct {
	ID              string
	CustomerID      string
	PaymentMethodID string
	Metadata        map[string]string
}

// DecodeSetupIntent parses a setup intent object.
func DecodeSetupIntent(raw json.RawMessage) (*SetupIntentEvent, error) {
	var si struct {
		ID            string            `json:"id"`
		Customer      expandable        `json:"customer"`
		PaymentMethod expandable        `json:"payment_method"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "malformed setup intent object", err)
	}
	return &SetupIntentEvent{
		ID:              si.ID,
		CustomerID:      string(si.Customer),
		PaymentMethodID: string(si.PaymentMethod),
		Metadata:        si.Metadata,
	}, nil
}

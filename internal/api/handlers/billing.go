package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subledger/internal/billing"
	"subledger/internal/core"
)

// BillingService is the subset of billing.Service used over HTTP.
type BillingService interface {
	StartSubscription(ctx context.Context, in billing.StartSubscriptionInput) (*billing.StartSubscriptionResult, error)
	CreatePortalSession(ctx context.Context, email, appID, returnURL string) (string, error)
	ListPlans(ctx context.Context) ([]billing.Plan, error)
}

// CreatePortalRequest identifies the customer whose portal is opened.
//
// There is no return URL field. The return URL comes from configuration only
// so the endpoint cannot be used as an open redirect.
type CreatePortalRequest struct {
	Email string `json:"email" validate:"required,email"`
	AppID string `json:"appId" validate:"omitempty,max=100"`
}

// PortalResponse is the body of POST /v1/billing/portal-sessions.
type PortalResponse struct {
	URL string `json:"url"`
}

// BillingHandler serves the synchronous billing entry points.
type BillingHandler struct {
	service         BillingService
	validator       *core.Validator
	portalReturnURL string
	logger          *slog.Logger
}

func NewBillingHandler(svc BillingService, v *core.Validator, portalReturnURL string, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		service:         svc,
		validator:       v,
		portalReturnURL: portalReturnURL,
		logger:          l,
	}
}

// RegisterRoutes mounts the billing endpoints under the /v1 router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/subscriptions", h.StartSubscription)
		r.Post("/portal-sessions", h.CreatePortalSession)
		r.Get("/plans", h.ListPlans)
	})
}

// StartSubscription handles POST /v1/billing/subscriptions. The response
// carries the setup intent client secret the client confirms; activation
// completes asynchronously through the webhook.
func (h *BillingHandler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.StartSubscriptionInput
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.service.StartSubscription(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to start subscription",
			"price_id", req.PriceID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, res)
}

// CreatePortalSession handles POST /v1/billing/portal-sessions.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req CreatePortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.service.CreatePortalSession(r.Context(), req.Email, req.AppID, h.portalReturnURL)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, PortalResponse{URL: url})
}

// ListPlans handles GET /v1/billing/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list plans", "error", err)
		core.Error(w, r, err)
		return
	}
	if plans == nil {
		plans = []billing.Plan{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

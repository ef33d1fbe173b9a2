package external

import (
	"log/slog"
	"net/http"
	"time"

	"subledger/internal/config"
)

// ProviderStripe is the path segment of the Stripe webhook route.
const ProviderStripe = "stripe"

// ClientRegistry holds the payment provider client and the webhook verifiers
// keyed by provider name.
type ClientRegistry struct {
	Provider  PaymentProvider
	Verifiers map[string]WebhookVerifier
}

// Verifier returns the verifier registered for provider.
func (r *ClientRegistry) Verifier(provider string) (WebhookVerifier, bool) {
	v, ok := r.Verifiers[provider]
	return v, ok
}

// NewClientRegistry builds the Stripe client and verifier from config. The
// http.Client timeout is a backstop above the per-attempt CallTimeout.
func NewClientRegistry(cfg config.BillingConfig, observer CallObserver, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	policy := DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.CallTimeout > 0 {
		policy.CallTimeout = cfg.CallTimeout
	}
	httpClient := &http.Client{Timeout: 2*policy.CallTimeout + 5*time.Second}

	client := NewStripeClient(httpClient, policy, StripeClientConfig{
		SecretKey: cfg.StripeSecretKey.Unmask(),
		BaseURL:   cfg.StripeAPIBase,
		Logger:    logger.With("client", "stripe"),
		Observer:  observer,
	})

	logger.Info("initialized payment provider client",
		"provider", ProviderStripe,
		"call_timeout", policy.CallTimeout,
		"max_retries", policy.MaxRetries,
	)

	return &ClientRegistry{
		Provider: client,
		Verifiers: map[string]WebhookVerifier{
			ProviderStripe: NewStripeVerifier(cfg.StripeWebhookSecret),
		},
	}
}

// Package config defines the process configuration for the billing
// reconciliation service. Configuration is loaded once at startup and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"subledger/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credential fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subledger"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Processing    ProcessingConfig
	Observability ObservabilityConfig
	AWS           AWSConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and call policy.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`
	CallTimeout         time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"10s"`
	// At most one internal retry per provider call.
	MaxRetries      int    `envconfig:"PROVIDER_MAX_RETRIES" default:"1" validate:"min=0,max=1"`
	DefaultAppID    string `envconfig:"DEFAULT_APP_ID" default:"default"`
	PortalReturnURL string `envconfig:"PORTAL_RETURN_URL" validate:"omitempty,url"`
}

// ProcessingConfig bounds webhook processing and tunes the reconcile pass.
type ProcessingConfig struct {
	MaxConcurrentEvents int64         `envconfig:"MAX_CONCURRENT_EVENTS" default:"32" validate:"min=1"`
	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15m"`
	ReconcileLookback   time.Duration `envconfig:"RECONCILE_LOOKBACK" default:"72h"`
	ReconcileBatchSize  int           `envconfig:"RECONCILE_BATCH_SIZE" default:"50" validate:"min=1"`
	// Activations are no longer resumed after this many passes.
	ReconcileMaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	ResumeConcurrency    int           `envconfig:"RESUME_CONCURRENCY" default:"4" validate:"min=1"`
	ClaimLease           time.Duration `envconfig:"EVENT_CLAIM_LEASE" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPath     string `envconfig:"METRICS_PATH" default:"/metrics"`
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Subledger"`
}

// AWSConfig holds AWS settings used by the CloudWatch metrics backend and the
// failed-event queue. Both are optional.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	FailedEventsQueue string `envconfig:"FAILED_EVENTS_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// NeedsAWS reports whether any AWS-backed component is enabled.
func (c *Config) NeedsAWS() bool {
	return c.AWS.FailedEventsQueue != "" ||
		(c.Observability.MetricsEnabled && c.Observability.MetricsBackend == "cloudwatch")
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a failure when resolving *_SECRET_PARAM values.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	webhookEvents       *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	activationSteps     *prometheus.CounterVec
	providerCalls       *prometheus.CounterVec
	providerDuration    *prometheus.HistogramVec
	resumptions         *prometheus.CounterVec
	entitlementMismatch prometheus.Counter
	httpRequests        *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Time from verified receipt to finalized event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		activationSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "steps_total",
			Help:      "Activation step outcomes.",
		}, []string{"step", "status"}),

		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Outbound payment provider calls.",
		}, []string{"operation", "result"}),

		providerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound payment provider calls, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		resumptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "resumptions_total",
			Help:      "Resumed activations by result.",
		}, []string{"result"}),

		entitlementMismatch: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activation",
			Name:      "entitlement_mismatch_total",
			Help:      "Activations whose device did not yet report an active entitlement.",
		}),

		httpRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (p *Prometheus) RecordWebhook(_ context.Context, eventType, outcome string, duration time.Duration) {
	p.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	p.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (p *Prometheus) RecordStep(_ context.Context, step, status string) {
	p.activationSteps.WithLabelValues(step, status).Inc()
}

func (p *Prometheus) RecordProviderCall(_ context.Context, operation, result string, duration time.Duration) {
	p.providerCalls.WithLabelValues(operation, result).Inc()
	p.providerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prometheus) RecordResume(_ context.Context, result string) {
	p.resumptions.WithLabelValues(result).Inc()
}

func (p *Prometheus) RecordEntitlementMismatch(context.Context) {
	p.entitlementMismatch.Inc()
}

func (p *Prometheus) RecordRequest(_ context.Context, method, route, status string, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

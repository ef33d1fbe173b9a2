package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subledger/internal/api/handlers"
	"subledger/internal/billing"
	"subledger/internal/config"
	"subledger/internal/core"
	"subledger/internal/db"
	"subledger/internal/entitlement"
	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/queue"
	"subledger/internal/reconcile"
	"subledger/internal/scheduler"
)

// awsClients holds the optional AWS-backed collaborators. Either field may be
// nil when the corresponding feature is disabled.
type awsClients struct {
	cloudwatch metrics.CloudWatchClient
	sqs        queue.SQSSender
}

// loadAWSClients builds the SDK clients only when a component needs them, so
// local runs do not require credentials.
func loadAWSClients(ctx context.Context, cfg *config.Config) (awsClients, error) {
	if !cfg.NeedsAWS() {
		return awsClients{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return awsClients{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	var clients awsClients
	if cfg.Observability.MetricsEnabled && cfg.Observability.MetricsBackend == "cloudwatch" {
		clients.cloudwatch = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
	}
	if cfg.AWS.FailedEventsQueue != "" {
		clients.sqs = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
	}
	return clients, nil
}

// newRecorder selects the metrics backend. The returned handler is nil
// unless the backend is scraped.
func newRecorder(cfg *config.Config, clients awsClients, logger *slog.Logger) (metrics.Recorder, http.Handler) {
	if !cfg.Observability.MetricsEnabled {
		return metrics.Nop{}, nil
	}
	if cfg.Observability.MetricsBackend == "cloudwatch" && clients.cloudwatch != nil {
		return metrics.NewCloudWatch(clients.cloudwatch, cfg.Observability.MetricNamespace, logger), nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheus(reg, strings.ToLower(cfg.Observability.MetricNamespace))
	return recorder, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// application is the wired API process.
type application struct {
	srv     *core.Server
	resumer *reconcile.Resumer
}

// newApplication wires repositories, the provider client, the reconcile
// engine and the HTTP handlers. pinger backs the database health probe and
// may be nil.
func newApplication(cfg *config.Config, logger *slog.Logger, conn db.DBTX, pinger core.Pinger, clients awsClients) (*application, error) {
	recorder, metricsHandler := newRecorder(cfg, clients, logger)

	events := db.NewEventRepository(conn, cfg.Processing.ClaimLease)
	users := db.NewUserRepository(conn)
	customers := db.NewCustomerRepository(conn)
	devices := db.NewDeviceRepository(conn)
	subs := db.NewSubscriptionRepository(conn, logger)
	entitlements := entitlement.NewReader(db.NewEntitlementRepository(conn))

	registry := external.NewClientRegistry(cfg.Billing, recorder, logger)
	resolver := reconcile.NewResolver(users, customers)

	activation := reconcile.NewActivation(reconcile.ActivationDeps{
		Provider:     registry.Provider,
		Subs:         subs,
		Steps:        events,
		Linker:       reconcile.NewLinker(devices, logger),
		Entitlements: entitlements,
		Metrics:      recorder,
		DefaultAppID: cfg.Billing.DefaultAppID,
		Logger:       logger,
	})

	router := reconcile.NewRouter(logger)
	reconcile.NewHandlers(registry.Provider, resolver, subs, cfg.Billing.DefaultAppID, logger).
		Register(router, activation)

	opts := []reconcile.ProcessorOption{reconcile.WithMetrics(recorder)}
	if clients.sqs != nil {
		opts = append(opts, reconcile.WithFailureNotifier(
			queue.NewFailedEventNotifier(clients.sqs, cfg.AWS.FailedEventsQueue, logger),
		))
	}
	processor := reconcile.NewProcessor(events, router, cfg.Processing.MaxConcurrentEvents, logger, opts...)

	resumer := reconcile.NewResumer(events, subs, activation, reconcile.ResumerConfig{
		Lookback:    cfg.Processing.ReconcileLookback,
		MaxAttempts: cfg.Processing.ReconcileMaxAttempts,
		BatchSize:   cfg.Processing.ReconcileBatchSize,
		Concurrency: cfg.Processing.ResumeConcurrency,
	}, recorder, logger)

	billingSvc := billing.NewService(registry.Provider, resolver, subs, cfg.Billing.DefaultAppID, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = recorder
	srv.MetricsHandler = metricsHandler
	if pinger != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Component: "database", Target: pinger})
	}

	webhookHandler := handlers.NewWebhookHandler(registry, processor, recorder, logger)
	billingHandler := handlers.NewBillingHandler(billingSvc, srv.Validator, cfg.Billing.PortalReturnURL, logger)
	deviceHandler := handlers.NewDeviceHandler(entitlements, devices, srv.Validator, cfg.Billing.DefaultAppID, logger)

	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		deviceHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	logger.Info("application wired",
		"event_types", len(router.Types()),
		"metrics_backend", cfg.Observability.MetricsBackend,
		"failed_event_queue", clients.sqs != nil,
	)

	return &application{srv: srv, resumer: resumer}, nil
}

// resumeJob adapts one resume pass to the scheduler.
func (a *application) resumeJob() scheduler.Job {
	return func(ctx context.Context) (int, error) {
		report, err := a.resumer.ResumeIncomplete(ctx)
		if err != nil {
			return 0, err
		}
		return report.Completed, nil
	}
}

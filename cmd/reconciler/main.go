// Package main is the entry point for the reconciler function.
//
// An EventBridge rule invokes it with a scheduler.TaskPayload:
//
//	{"task": "resume_activations"}
//
// The TaskRunner routes the payload to one resume pass that re-drives
// activations whose step ledger still records a failure. Run outside Lambda,
// the binary performs a single pass and exits, which is how operators drive
// it by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"subledger/internal/config"
	"subledger/internal/db"
	"subledger/internal/entitlement"
	"subledger/internal/external"
	"subledger/internal/metrics"
	"subledger/internal/reconcile"
	"subledger/internal/scheduler"
)

// resumePass is implemented by reconcile.Resumer.
type resumePass interface {
	ResumeIncomplete(ctx context.Context) (reconcile.ResumeReport, error)
}

// resumeJob reports completed activations as the item count. Failed and
// skipped events are logged by the resumer itself.
func resumeJob(r resumePass) scheduler.Job {
	return func(ctx context.Context) (int, error) {
		report, err := r.ResumeIncomplete(ctx)
		if err != nil {
			return 0, fmt.Errorf("resuming activations: %w", err)
		}
		return report.Completed, nil
	}
}

// newRunner registers every periodic task the reconciler serves.
func newRunner(r resumePass, logger *slog.Logger) *scheduler.TaskRunner {
	runner := scheduler.NewTaskRunner(logger)
	runner.Register(scheduler.TaskResumeActivations, resumeJob(r))
	return runner
}

// newResumer wires the activation flow over conn. The resumer needs the
// same collaborators as the webhook path, minus the router and processor.
func newResumer(cfg *config.Config, conn db.DBTX, recorder metrics.Recorder, logger *slog.Logger) *reconcile.Resumer {
	events := db.NewEventRepository(conn, cfg.Processing.ClaimLease)
	subs := db.NewSubscriptionRepository(conn, logger)
	registry := external.NewClientRegistry(cfg.Billing, recorder, logger)

	activation := reconcile.NewActivation(reconcile.ActivationDeps{
		Provider:     registry.Provider,
		Subs:         subs,
		Steps:        events,
		Linker:       reconcile.NewLinker(db.NewDeviceRepository(conn), logger),
		Entitlements: entitlement.NewReader(db.NewEntitlementRepository(conn)),
		Metrics:      recorder,
		DefaultAppID: cfg.Billing.DefaultAppID,
		Logger:       logger,
	})

	return reconcile.NewResumer(events, subs, activation, reconcile.ResumerConfig{
		Lookback:    cfg.Processing.ReconcileLookback,
		MaxAttempts: cfg.Processing.ReconcileMaxAttempts,
		BatchSize:   cfg.Processing.ReconcileBatchSize,
		Concurrency: cfg.Processing.ResumeConcurrency,
	}, recorder, logger)
}

// newRecorder returns the CloudWatch recorder when configured. There is no
// scrape endpoint in this process, so the Prometheus backend degrades to Nop.
func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Recorder, error) {
	if !cfg.Observability.MetricsEnabled || cfg.Observability.MetricsBackend != "cloudwatch" {
		return metrics.Nop{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger), nil
}

func isLambdaEnvironment() bool {
	_, ok := os.LookupEnv("AWS_LAMBDA_FUNCTION_NAME")
	return ok
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("reconciler initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	recorder, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		pool.Close()
		os.Exit(1)
	}

	runner := newRunner(newResumer(cfg, pool, recorder, logger), logger)

	if isLambdaEnvironment() {
		logger.Info("reconciler initialized")
		lambda.Start(runner.Handle)
		return
	}

	result, err := runner.Handle(ctx, scheduler.TaskPayload{Task: scheduler.TaskResumeActivations})
	if err != nil {
		logger.Error("resume pass failed", "error", err)
		pool.Close()
		os.Exit(1)
	}
	fmt.Println(result)
}

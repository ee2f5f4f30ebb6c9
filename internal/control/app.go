// Package control wires the configured components into one process and
// drives their lifecycle.
package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/automation/executor"
	"github.com/vietddude/outreach/internal/automation/health"
	"github.com/vietddude/outreach/internal/automation/retry"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/config"
	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/core/worker"
	"github.com/vietddude/outreach/internal/infra/browser"
	"github.com/vietddude/outreach/internal/infra/notify"
	redisclient "github.com/vietddude/outreach/internal/infra/redis"
	"github.com/vietddude/outreach/internal/infra/storage"
	"github.com/vietddude/outreach/internal/infra/storage/memory"
	"github.com/vietddude/outreach/internal/infra/storage/postgres"
	"github.com/vietddude/outreach/internal/infra/telemetry"
)

const healthCheckInterval = 30 * time.Second

// App owns every long-lived component of the outreach engine.
type App struct {
	cfg config.AppConfig

	store       *storage.Store
	db          *postgres.DB
	redisClient *redisclient.Client

	notifier notify.Notifier
	webhook  *notify.WebhookNotifier
	shutdown func(context.Context) error

	scheduler *retry.Scheduler
	engine    *rotation.Engine
	tester    *rotation.Tester
	sidecar   *browser.Client
	activity  *executor.ActivityTracker
	executor  *executor.Executor
	processor *batch.Processor
	pruner    *worker.Pruner

	monitor      *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer

	log *slog.Logger
}

// New builds the application from cfg. Storage falls back to memory when no
// database URL is configured; Redis is optional and only warned about when it
// cannot be reached.
func New(ctx context.Context, cfg config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default().With("component", "app"),
	}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, errors.Wrap(err, "init database")
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "migrate database")
		}
		a.db = db
		a.store = postgres.NewStore(db)
		a.log.Info("Using PostgreSQL storage")
	} else {
		a.store = memory.NewStore()
		a.log.Info("Using memory storage")
	}

	// 2. Redis
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Redis unavailable, running without distributed locks", "error", err)
		} else {
			a.redisClient = rc
			a.log.Info("Connected to Redis")
		}
	}

	// 3. Notifications and tracing
	notifiers := notify.Multi{notify.NewLogNotifier(slog.Default())}
	if cfg.Notify.URL != "" {
		a.webhook = notify.NewWebhookNotifier(cfg.Notify, slog.Default())
		notifiers = append(notifiers, a.webhook)
	}
	a.notifier = notifiers

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		_ = a.closeInfra()
		return nil, errors.Wrap(err, "setup telemetry")
	}
	a.shutdown = shutdown

	// 4. Engines
	a.scheduler = retry.NewScheduler(retry.Config{DefaultPolicy: cfg.Retry.Policy()}, a.store, a.notifier)
	a.engine = rotation.NewEngine(cfg.Proxy.Config, a.store, a.notifier)
	a.tester = rotation.NewTester(a.engine, cfg.Proxy.TestURL, cfg.Proxy.TestTimeout)

	a.sidecar = browser.NewClient(cfg.Executor.SidecarURL, cfg.Executor.SidecarTimeout)
	a.activity = executor.NewActivityTracker()
	a.executor = executor.New(cfg.Executor.Config, executor.Deps{
		Proxies:  a.engine,
		Retries:  a.scheduler,
		Browser:  a.sidecar,
		Detector: &browser.HeuristicDetector{CaptureEvidence: cfg.Executor.CaptureEvidence},
		Actor:    a.sidecar,
		Dedup:    a.store.Invites,
		Recorder: a.activity,
		Notifier: a.notifier,
	})

	opts := []batch.Option{batch.WithNotifier(a.notifier)}
	if a.redisClient != nil {
		opts = append(opts,
			batch.WithLocker(batch.RedisLocker{Client: a.redisClient}),
			batch.WithStatsPublisher(a.redisClient),
		)
	}
	a.processor = batch.NewProcessor(cfg.Batch, a.scheduler, a.executor, opts...)
	a.pruner = worker.NewPruner(cfg.Maintenance.HistoryRetention, a.scheduler)

	// 5. Health
	staleAfter := 3 * cfg.Batch.Interval
	a.monitor = health.NewMonitor(a.processor, a.scheduler, a.engine, staleAfter)
	if a.db != nil {
		a.monitor.AddCheck("database", a.db.Health, true)
	}
	if a.redisClient != nil {
		a.monitor.AddCheck("redis", a.redisClient.Ping, false)
	}
	a.monitor.AddCheck("browser_sidecar", a.sidecar.Ping, false)

	a.healthServer = health.NewServer(a.monitor, cfg.Server.Port)
	if cfg.Server.GRPCPort > 0 {
		a.grpcServer = health.NewGRPCServer(a.monitor, cfg.Server.GRPCPort)
	}

	return a, nil
}

// Start launches the servers, the batch cron and the maintenance loop. It
// returns immediately; everything stops when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.log.Info("Starting outreach engine",
		"port", a.cfg.Server.Port,
		"grpc_port", a.cfg.Server.GRPCPort,
		"batch_interval", a.cfg.Batch.Interval,
	)

	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("Health server failed", "error", err)
		}
	}()
	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Serve(); err != nil {
				a.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	go a.monitor.Start(ctx, healthCheckInterval)
	if a.db != nil {
		go a.db.StartMetricsCollector(ctx)
	}

	go func() {
		if err := a.processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Batch processor stopped", "error", err)
		}
	}()
	go a.runMaintenance(ctx)
	go a.pruner.Start(ctx)

	return nil
}

// Stop shuts the servers down and releases infrastructure. The caller cancels
// the context passed to Start first so the loops exit.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping outreach engine...")

	var errs []error
	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "stop health server"))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop(ctx)
	}
	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close flushes notifications and tracing and closes the connections. It is
// enough on its own for one-shot commands that never called Start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.webhook != nil {
		if err := a.webhook.Wait(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "flush webhook notifications"))
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown telemetry"))
		}
	}
	errs = append(errs, a.closeInfra())
	return errors.Join(errs...)
}

func (a *App) closeInfra() error {
	var errs []error
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close redis"))
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close database"))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

// MaintenanceReport summarises one housekeeping pass.
type MaintenanceReport struct {
	ProxyReset     *rotation.ResetResult    `json:"proxy_reset,omitempty"`
	StaleRecovered int                      `json:"stale_recovered"`
	HistoryPruned  int64                    `json:"history_pruned"`
	Dashboard      *domain.FailureDashboard `json:"dashboard,omitempty"`
}

// RunMaintenance resets proxy health windows, re-queues jobs stuck in a
// non-terminal state and prunes old retry history. Each step runs even when
// an earlier one failed. The background loop started by Start skips pruning
// since the pruner worker owns it there.
func (a *App) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	return a.maintain(ctx, true)
}

func (a *App) maintain(ctx context.Context, prune bool) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	var errs []error

	reset, err := a.engine.DailyReset(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.ProxyReset = reset

	n, err := a.scheduler.RecoverStale(ctx, a.cfg.Maintenance.StaleAfter, a.cfg.Maintenance.StaleBatch)
	if err != nil {
		errs = append(errs, err)
	}
	report.StaleRecovered = n

	if prune {
		pruned, err := a.pruner.Prune(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		report.HistoryPruned = pruned
	}

	dash, err := a.scheduler.Dashboard(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Dashboard = dash

	a.log.Info("Maintenance finished",
		"stale_recovered", report.StaleRecovered,
		"history_pruned", report.HistoryPruned,
		"errors", len(errs),
	)
	return report, errors.Join(errs...)
}

func (a *App) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.maintain(ctx, false); err != nil {
				a.log.Error("Maintenance failed", "error", err)
			}
		}
	}
}

// LastRun returns the most recent batch run summary. With Redis it is the one
// published by whichever instance ran last; otherwise it is this process's.
func (a *App) LastRun(ctx context.Context) (*batch.Result, error) {
	if a.redisClient != nil {
		return batch.LastPublished(ctx, a.redisClient)
	}
	return a.processor.Stats().LastResult, nil
}

// Store returns the repositories.
func (a *App) Store() *storage.Store { return a.store }

// DB returns the database handle, or nil in memory mode.
func (a *App) DB() *postgres.DB { return a.db }

func (a *App) Scheduler() *retry.Scheduler { return a.scheduler }

func (a *App) Engine() *rotation.Engine { return a.engine }

func (a *App) Tester() *rotation.Tester { return a.tester }

func (a *App) Processor() *batch.Processor { return a.processor }

func (a *App) Monitor() *health.Monitor { return a.monitor }

// Activity returns today's per-user activity counters.
func (a *App) Activity() *executor.ActivityTracker { return a.activity }

// Package app wires configuration, infrastructure, and the governor
// components into the api and worker run modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/governor/internal/audit"
	"github.com/wisbric/governor/internal/config"
	"github.com/wisbric/governor/internal/httpserver"
	"github.com/wisbric/governor/internal/platform"
	"github.com/wisbric/governor/internal/queue"
	"github.com/wisbric/governor/internal/telemetry"
	"github.com/wisbric/governor/internal/version"
	"github.com/wisbric/governor/pkg/alerter"
	"github.com/wisbric/governor/pkg/anomaly"
	"github.com/wisbric/governor/pkg/budget"
	"github.com/wisbric/governor/pkg/collector"
	"github.com/wisbric/governor/pkg/consumer"
	"github.com/wisbric/governor/pkg/costbudget"
	"github.com/wisbric/governor/pkg/degrade"
	"github.com/wisbric/governor/pkg/errorsampler"
	"github.com/wisbric/governor/pkg/heartbeat"
	"github.com/wisbric/governor/pkg/kvcs"
	"github.com/wisbric/governor/pkg/notify"
	"github.com/wisbric/governor/pkg/pricing"
	"github.com/wisbric/governor/pkg/query"
	"github.com/wisbric/governor/pkg/rollup"
	"github.com/wisbric/governor/pkg/warehouse"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting governor",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"version", version.Version,
	)

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "governor", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis (KVCS + telemetry queue)
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if cfg.RunMigrationsOnBoot || cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	case "migrate":
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func pidGains(cfg *config.Config) degrade.Gains {
	gains := degrade.DefaultGains()
	gains.Kp = cfg.PIDKp
	gains.Ki = cfg.PIDKi
	gains.Kd = cfg.PIDKd
	return gains
}

// alertChannels assembles the configured delivery backends: Slack when a
// bot token is present, the generic webhook when a URL is present.
func alertChannels(cfg *config.Config, logger *slog.Logger) []notify.Channel {
	var channels []notify.Channel
	slackCh := notify.NewSlackChannel(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackCh.IsEnabled() {
		channels = append(channels, slackCh)
		logger.Info("slack alert delivery enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack alert delivery disabled (SLACK_BOT_TOKEN not set)")
	}
	webhookCh := notify.NewWebhookChannel(cfg.AlertWebhookURL, logger)
	if webhookCh.IsEnabled() {
		channels = append(channels, webhookCh)
		logger.Info("webhook alert delivery enabled")
	}
	return channels
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	wh := warehouse.New(db)
	kv := kvcs.New(rdb, logger)

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminToken:         cfg.AdminToken,
	}, logger, db, rdb, metricsReg)

	// Dashboard query routes.
	ctrl := degrade.New(kv, logger, pidGains(cfg), cfg.PIDShadowMode, 0, telemetry.PIDThrottleRate)
	queryHandler := query.NewHandler(query.NewService(wh, logger), kv, ctrl, logger)
	srv.APIRouter.Mount("/", queryHandler.Routes())

	// Control plane.
	admin := newAdminHandler(kv, wh, auditWriter, rdb, logger)
	srv.AdminRouter.Mount("/", admin.Routes())
	srv.AdminRouter.Mount("/audit-log", audit.NewHandler(logger, wh).Routes())

	// Slack slash command for manual breaker control.
	if cfg.SlackSigningSecret != "" {
		slashHandler := notify.NewSlashCommandHandler(kv, cfg.SlackSigningSecret, auditWriter, logger)
		mux := http.NewServeMux()
		slashHandler.Routes(mux, "/api/v1/slack/commands")
		srv.Router.Handle("/api/v1/slack/commands", mux)
		logger.Info("slack slash commands enabled")
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, _ *prometheus.Registry) error {
	wh := warehouse.New(db)
	kv := kvcs.New(rdb, logger)
	table := pricing.DefaultTable()
	weights := pricing.DefaultWeights()
	channels := alertChannels(cfg, logger)

	budgetEnforcer := budget.New(kv, wh, logger, cfg.HardLimitMultiplier, cfg.AutoResetSeconds,
		telemetry.BudgetTripsTotal, telemetry.BudgetAutoResetsTotal)
	costEnforcer := costbudget.New(kv, wh, logger, cfg.AutoResetSeconds)

	// Seed registry-declared default budgets into KVCS for features that
	// have no live cell yet.
	if regs, err := wh.ListFeatureRegistrations(ctx, ""); err != nil {
		logger.Warn("loading feature registry for budget seeding", "error", err)
	} else if err := budgetEnforcer.SeedDefaults(ctx, regs); err != nil {
		logger.Warn("seeding default budgets", "error", err)
	}

	ctrl := degrade.New(kv, logger, pidGains(cfg), cfg.PIDShadowMode, 0, telemetry.PIDThrottleRate)
	sampler := errorsampler.New(cfg.ErrorSampleTriggerThreshold, cfg.ErrorSampleRate)
	errorAlerter := alerter.New(wh, kv, sampler, channels, logger,
		telemetry.AlertsEmittedTotal, telemetry.AlertsDeduplicatedTotal)

	consumerName, err := os.Hostname()
	if err != nil || consumerName == "" {
		consumerName = "governor-worker"
	}
	queueConsumer, err := queue.NewConsumer(ctx, rdb, queue.Config{
		Group:        cfg.QueueGroup,
		ConsumerName: consumerName,
		MaxRetries:   cfg.QueueMaxRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating queue consumer: %w", err)
	}

	block, err := time.ParseDuration(cfg.QueueBlockTimeout)
	if err != nil {
		return fmt.Errorf("parsing queue block timeout %q: %w", cfg.QueueBlockTimeout, err)
	}

	telemetryConsumer := consumer.New(consumer.Config{
		Queue:         queueConsumer,
		Warehouse:     wh,
		Settings:      kv,
		Budget:        budgetEnforcer,
		Cost:          costEnforcer,
		Degrade:       ctrl,
		Heartbeats:    heartbeat.New(wh, logger),
		Errors:        errorAlerter,
		Pricing:       table,
		Weights:       weights,
		BatchSize:     cfg.QueueBatchSize,
		Block:         block,
		Logger:        logger,
		BatchDuration: telemetry.ConsumerBatchDuration,
		Messages:      telemetry.ConsumerMessagesTotal,
		SamplerActive: telemetry.ErrorSamplerActiveTotal,
	})

	rollupEngine := rollup.New(wh, kv, logger, telemetry.RollupDuration)
	anomalyDetector := anomaly.New(wh, channels, logger, telemetry.AnomaliesDetectedTotal)

	// The collection scheduler runs only with a configured external source.
	// Its midnight pass drives rollups, gap-fill, anomalies, and retention;
	// a source-less deployment gets those from the fallback loop instead.
	if cfg.CollectorSourceURL != "" {
		source := collector.NewHTTPSource(cfg.CollectorSourceURL, cfg.CollectorAPIToken, logger)
		watchdog := collector.NewHTTPWatchdog(cfg.CollectorWatchdogURL)
		scheduler := collector.New(source, wh, kv, rollupEngine, anomalyDetector, watchdog,
			table, weights, cfg.D1WriteLimit, logger, telemetry.CollectorRunsTotal)
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("collection scheduler stopped", "error", err)
			}
		}()
	} else {
		logger.Info("collection scheduler disabled (GOVERNOR_COLLECTOR_SOURCE_URL not set)")
		go midnightMaintenanceLoop(ctx, rollupEngine, anomalyDetector, wh, logger)
	}

	go autoResetSweepLoop(ctx, budgetEnforcer, logger)
	go digestLoop(ctx, errorAlerter, logger)

	logger.Info("worker started", "consumer", consumerName)
	if err := telemetryConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("telemetry consumer: %w", err)
	}
	return nil
}

// autoResetSweepLoop clears due circuit-breaker auto-resets once a minute.
func autoResetSweepLoop(ctx context.Context, enforcer *budget.Enforcer, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := enforcer.RunAutoResetSweep(ctx, time.Now()); err != nil {
				logger.Error("auto-reset sweep failed", "error", err)
			}
		}
	}
}

// digestLoop posts the P1 hourly digest at the top of every hour and the
// P2 daily summary with the midnight run.
func digestLoop(ctx context.Context, a *alerter.Alerter, logger *slog.Logger) {
	for {
		now := time.Now()
		next := now.Truncate(time.Hour).Add(time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		runAt := time.Now()
		if err := a.RunHourlyDigest(ctx, runAt); err != nil {
			logger.Error("hourly digest failed", "error", err)
		}
		if runAt.UTC().Hour() == 0 {
			if err := a.RunDailySummary(ctx, runAt); err != nil {
				logger.Error("daily summary failed", "error", err)
			}
		}
	}
}

// midnightMaintenanceLoop covers the rollup/anomaly/retention chain when
// no external collector drives it.
func midnightMaintenanceLoop(ctx context.Context, engine *rollup.Engine, detector *anomaly.Detector, wh *warehouse.Store, logger *slog.Logger) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		if err := engine.RollupDay(ctx, yesterday); err != nil {
			logger.Error("daily rollup failed", "error", err)
		}
		if time.Now().UTC().Day() == 1 {
			if err := engine.RollupMonth(ctx, yesterday); err != nil {
				logger.Error("monthly rollup failed", "error", err)
			}
		}
		if err := engine.GapFill(ctx, 7); err != nil {
			logger.Error("gap-fill failed", "error", err)
		}
		if err := detector.Run(ctx, yesterday); err != nil {
			logger.Error("anomaly pass failed", "error", err)
		}
		if _, err := wh.DeleteErrorEventsOlderThan(ctx, 7); err != nil {
			logger.Error("error event cleanup failed", "error", err)
		}
	}
}

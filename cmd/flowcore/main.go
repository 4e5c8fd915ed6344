package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/averoa/flowcore/internal/api"
	"github.com/averoa/flowcore/internal/engine"
	"github.com/averoa/flowcore/internal/expressions"
	"github.com/averoa/flowcore/internal/logging"
	"github.com/averoa/flowcore/internal/notify"
	"github.com/averoa/flowcore/internal/scheduler"
	"github.com/averoa/flowcore/internal/sla"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/internal/validation"
	"github.com/averoa/flowcore/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowcore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Sinks and directory.
	notifications := notify.NewStoreNotificationSink(st, logger)
	audit := notify.NewStoreAuditSink(st, logger)
	tenants := notify.NewStaticTenantDirectory(nil, cfg.DefaultTier)

	// Expression engines.
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	engines := map[string]expressions.Engine{
		"cel":  celEngine,
		"expr": expressions.NewExprEngine(),
	}

	// Webhook delivery.
	dispatcher := webhook.NewDispatcher(st, nil, expressions.NewGoJQEngine(), audit, logger, webhook.Options{
		AttemptTimeout:    cfg.duration(cfg.WebhookTimeout, 10*time.Second),
		RetryClientErrors: cfg.RetryClientErrors,
	})
	webhookService := webhook.NewService(st, dispatcher, logger)

	// SLA gateway and orchestrator reference each other; the gateway gets
	// its resumer bound after the orchestrator exists.
	gateway := sla.NewGateway(st, tenants, notifications, audit, logger)

	var executor engine.AgentExecutor = engine.EchoExecutor{}
	if endpoint := os.Getenv("FLOWCORE_AGENT_ENDPOINT"); endpoint != "" {
		executor = engine.NewHTTPAgentExecutor(endpoint, nil)
	}

	orch := engine.NewOrchestrator(st, executor, gateway, dispatcher, audit, engines, logger, engine.Options{
		AgentTimeout: cfg.duration(cfg.AgentTimeout, 60*time.Second),
	})
	gateway.BindResumer(orch)

	// Scheduler.
	sched, err := scheduler.NewScheduler(gateway, orch, dispatcher, logger, scheduler.Options{
		PollInterval: cfg.duration(cfg.PollInterval, 15*time.Second),
		WarningCron:  cfg.WarningCron,
		BreachCron:   cfg.BreachCron,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// HTTP API.
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	server := api.New(api.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, st, validator, orch, gateway, webhookService, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})

	g.Go(func() error {
		if err := server.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("flowcore started",
		slog.Int("port", cfg.Port),
		slog.String("db_path", cfg.DBPath))

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

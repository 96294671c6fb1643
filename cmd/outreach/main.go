// Command outreach runs the outreach automation daemon: the HTTP gateway,
// the workflow sweeper, and the session orchestrator over one SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/outreach/internal/approval"
	"github.com/basket/outreach/internal/bus"
	"github.com/basket/outreach/internal/config"
	"github.com/basket/outreach/internal/evaluator"
	"github.com/basket/outreach/internal/gateway"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/outbound"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/provider"
	"github.com/basket/outreach/internal/ratelimit"
	"github.com/basket/outreach/internal/session"
	"github.com/basket/outreach/internal/sweep"
	"github.com/basket/outreach/internal/telemetry"
	"github.com/basket/outreach/internal/workflow"
)

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Sessions holding a work lease at startup were orphaned by a crash.
	released, err := store.ReleaseAllSessions(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	if released > 0 {
		logger.Info("released orphaned session leases", "count", released)
	}

	pol, err := approval.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := approval.NewLivePolicy(pol)
	if cfg.PolicyPath != "" {
		if err := approval.Watch(ctx, livePolicy, cfg.PolicyPath, logger); err != nil {
			logger.Warn("policy hot reload unavailable", "path", cfg.PolicyPath, "error", err)
		}
	}

	llm := provider.NewGenkitProvider(ctx, provider.Config{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             cfg.LLM.APIKey,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
		CompatibleBaseURL:  cfg.LLM.CompatibleBaseURL,
	})
	logger.Info("startup phase", "phase", "provider_ready", "model", llm.ModelName())

	eval, err := evaluator.New(llm)
	if err != nil {
		fatalStartup(logger, "E_EVALUATOR_INIT", err)
	}

	outboundLimiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)
	outboundLimiter.StartEviction(ctx, 10*time.Minute, time.Hour)

	var messenger outbound.Messenger
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		messenger = outbound.NewTelegramMessenger(cfg.Telegram.Token, logger)
	} else {
		if cfg.Telegram.Enabled {
			logger.Warn("telegram enabled but token is missing, using log messenger")
		}
		messenger = outbound.NewLogMessenger(logger)
	}
	dispatcher := outbound.NewDispatcher(messenger, outboundLimiter, logger)

	orch := session.NewOrchestrator(store, llm, livePolicy, dispatcher, eventBus, metrics, logger)
	engine := workflow.NewEngine(store, eval, dispatcher, eventBus, metrics, cfg.OperatorContact, logger)

	sweeper := sweep.New(sweep.Config{
		Ticker:   engine,
		Logger:   logger,
		Interval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	gatewayLimiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)
	gatewayLimiter.StartEviction(ctx, 10*time.Minute, time.Hour)

	gw := gateway.New(gateway.Config{
		Store:        store,
		Orchestrator: orch,
		Engine:       engine,
		Policy:       livePolicy,
		Bus:          eventBus,
		AuthToken:    cfg.AuthToken,
		Limiter:      gatewayLimiter,
		Metrics:      metrics,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sweeper.Stop()
	logger.Info("shutdown complete")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regreport/eclbatch/internal/app"
	"github.com/regreport/eclbatch/internal/platform/auditlog"
	"github.com/regreport/eclbatch/internal/platform/auth"
	"github.com/regreport/eclbatch/internal/platform/httpserver"
	"github.com/regreport/eclbatch/internal/platform/telemetry"
)

const serviceName = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, "ORCHESTRATOR", ":8090")
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	appCfg, err := app.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	otelCfg, err := telemetry.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid telemetry config", "error", err)
		os.Exit(2)
	}

	shutdownTracing, err := telemetry.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := app.Build(ctx, logger, appCfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, a.Checks()...))

	api := newOrchestratorAPI(ctx, logger, a.Orchestrator, a.Gateway, a.Checkpoints.Store, a.Approvals)
	api.register(mux)

	authMiddleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			return auditlog.InsertAuthDeny(ctx, a.DB, serviceName, event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}

	handler := httpserver.Wrap(logger, serviceName, authMiddleware.Wrap(mux))
	logger.Info("starting", "service", serviceName, "addr", httpCfg.Addr, "auth_mode", authCfg.Mode)
	if err := httpserver.Run(ctx, logger, httpCfg, handler); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	// ctx is cancelled by now, which kills running steps; wait for their
	// Failed records before the deferred Close drops the pool.
	drainTimeout := httpCfg.ShutdownTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := a.Orchestrator.Drain(drainCtx); err != nil {
		logger.Error("pipeline drain incomplete", "error", err)
	}
}

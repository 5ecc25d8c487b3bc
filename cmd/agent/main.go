package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"inspection-sync/internal/bootstrap"
	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/server"
	"inspection-sync/internal/shared/telemetry"
)

const defaultShutdownTimeoutSec = 30

func main() {
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	app.Start(runCtx)

	srv := &http.Server{
		Addr:              server.Addr(cfg.Port),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		telemetry.Info("agent.started", map[string]any{
			"addr":         srv.Addr,
			"env":          cfg.Env,
			"store_driver": cfg.StoreDriver,
			"transport":    cfg.DeliveryTransport,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemetry.Error("agent.server.failed", map[string]any{"error": err.Error()})
		}
	}

	shutdownTimeout := time.Duration(envInt("AGENT_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second
	telemetry.Info("agent.shutdown", map[string]any{"timeout": shutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Warn("agent.server.shutdown_failed", map[string]any{"error": err.Error()})
	}
	cancelRun()
	if err := app.Close(shutdownCtx); err != nil {
		telemetry.Warn("agent.close_failed", map[string]any{"error": err.Error()})
	}
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

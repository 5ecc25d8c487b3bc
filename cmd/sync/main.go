package main

// Drain the submission queue once and exit:
//   go run ./cmd/sync

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"inspection-sync/internal/bootstrap"
	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/telemetry"
	"inspection-sync/internal/syncer"
)

const (
	defaultShutdownTimeoutSec = 30

	exitOK      = 0
	exitFailed  = 1
	exitOffline = 2
)

// connectivityChecker refreshes the connectivity state before draining.
type connectivityChecker interface {
	Check(ctx context.Context) bool
}

type drainer interface {
	Drain(ctx context.Context, opts syncer.DrainOptions) (syncer.Summary, error)
}

func main() {
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	var probe connectivityChecker
	if app.Probe != nil {
		probe = app.Probe
	} else {
		app.Online.Set(true)
	}
	code := runOnce(ctx, probe, app.Sync)

	shutdownTimeout := time.Duration(envInt("SYNC_SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSec)) * time.Second
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := app.Close(closeCtx); err != nil {
		telemetry.Warn("sync.close_failed", map[string]any{"error": err.Error()})
	}
	cancel()
	os.Exit(code)
}

// runOnce drains every due entry, backoff ignored, and maps the outcome to
// an exit code.
func runOnce(ctx context.Context, probe connectivityChecker, d drainer) int {
	if probe != nil {
		probe.Check(ctx)
	}
	sum, err := d.Drain(ctx, syncer.DrainOptions{Force: true})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			telemetry.Warn("sync.run.interrupted", map[string]any{"error": err.Error()})
		} else {
			telemetry.Error("sync.run.failed", map[string]any{"error": err.Error()})
		}
		return exitFailed
	}
	telemetry.Info("sync.run.finished", map[string]any{
		"delivered": sum.Delivered,
		"retrying":  sum.Retrying,
		"rejected":  sum.Rejected,
		"pending":   sum.Pending,
		"offline":   sum.Offline,
	})
	if sum.Offline {
		return exitOffline
	}
	return exitOK
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

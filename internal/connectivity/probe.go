package connectivity

import (
	"context"
	"time"

	"inspection-sync/internal/shared/telemetry"
)

// Pinger checks reachability of the fleet backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe periodically pings the backend and feeds the result into a Manual
// provider.
type Probe struct {
	pinger   Pinger
	target   *Manual
	interval time.Duration
	timeout  time.Duration
}

// NewProbe builds a probe. A zero interval defaults to 15s.
func NewProbe(pinger Pinger, target *Manual, interval, timeout time.Duration) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Probe{pinger: pinger, target: target, interval: interval, timeout: timeout}
}

// Check pings once and updates the target provider.
func (p *Probe) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	online := err == nil
	if p.target.Set(online) {
		fields := map[string]any{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		telemetry.Info("connectivity.changed", fields)
	}
	return online
}

// Run checks immediately and then on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Package reloader schedules rule reloads and bounds how often they run.
package reloader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrThrottled is returned when a reload is refused by the rate limiter.
var ErrThrottled = errors.New("reload throttled")

// Target is what gets reloaded.
type Target interface {
	Reload(ctx context.Context) error
}

// Reloader funnels every reload trigger (schedule, API, bus) through one
// token bucket. Each accepted reload advances the rule epoch and invalidates
// in-flight duration checks, so storms are refused.
type Reloader struct {
	target   Target
	limiter  *rate.Limiter
	interval time.Duration
	logger   *slog.Logger
}

// New creates a reloader from the engine configuration.
func New(target Target, cfg domain.EngineConfig, logger *slog.Logger) *Reloader {
	if cfg.ReloadRate <= 0 {
		cfg.ReloadRate = 1
	}
	if cfg.ReloadBurst <= 0 {
		cfg.ReloadBurst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		target:   target,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReloadRate), cfg.ReloadBurst),
		interval: cfg.ReloadInterval,
		logger:   logger,
	}
}

// Trigger reloads now unless the limiter refuses.
func (r *Reloader) Trigger(ctx context.Context, reason string) error {
	if !r.limiter.Allow() {
		metrics.Reloads.WithLabelValues("throttled").Inc()
		r.logger.Warn("rule reload throttled", "reason", reason)
		return ErrThrottled
	}

	r.logger.Debug("rule reload triggered", "reason", reason)
	return r.target.Reload(ctx)
}

// Run performs scheduled reloads until ctx is done. A zero interval only
// waits for ctx.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged and counted by the target.
			_ = r.Trigger(ctx, "scheduled")
		}
	}
}

package reloader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// BreakerSource wraps a rule source with a circuit breaker so an unreachable
// rule store fails reloads fast instead of piling up timeouts.
type BreakerSource struct {
	source  engine.RuleSource
	cb      *gobreaker.CircuitBreaker[[]*domain.Rule]
	timeout time.Duration
}

var _ engine.RuleSource = (*BreakerSource)(nil)

// BreakerSettings tunes the breaker. Zero values get defaults.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
	// Timeout bounds one fetch.
	Timeout time.Duration
}

// NewBreakerSource creates a rule source guarded by a circuit breaker.
func NewBreakerSource(source engine.RuleSource, s BreakerSettings, logger *slog.Logger) *BreakerSource {
	if s.Failures == 0 {
		s.Failures = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics.RuleStoreBreakerState.Set(0)

	cb := gobreaker.NewCircuitBreaker[[]*domain.Rule](gobreaker.Settings{
		Name:        "rule-store",
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rule store circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.RuleStoreBreakerState.Set(stateToFloat(to))
		},
	})

	return &BreakerSource{
		source:  source,
		cb:      cb,
		timeout: s.Timeout,
	}
}

// ListRules fetches the rule set through the breaker.
func (b *BreakerSource) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	list, err := b.cb.Execute(func() ([]*domain.Rule, error) {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return b.source.ListRules(ctx)
	})

	switch {
	case err == nil:
		metrics.RuleStoreRequests.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RuleStoreRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.RuleStoreRequests.WithLabelValues("failure").Inc()
	}
	return list, err
}

// State returns the breaker state.
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

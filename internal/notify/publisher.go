// Package notify publishes fraud events onto the event bus.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Publisher serializes fraud events to JSON and publishes them on the
// topic of their kind. With a suppression window set, repeats of the same
// kind, metric, user and rule within the window are dropped.
type Publisher struct {
	bus    domain.EventBus
	cache  domain.Cache
	window time.Duration
	logger *slog.Logger
}

// NewPublisher creates a publisher. cache may be nil when window is zero.
func NewPublisher(bus domain.EventBus, cache domain.Cache, window time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:    bus,
		cache:  cache,
		window: window,
		logger: logger,
	}
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, event *domain.FraudEvent) error {
	if p.suppressed(ctx, event) {
		metrics.EventsSuppressed.Inc()
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.EventPublishErrors.Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.bus.Publish(ctx, event.Topic(), payload); err != nil {
		metrics.EventPublishErrors.Inc()
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	metrics.EventsPublished.WithLabelValues(string(event.Kind), event.Metric).Inc()
	return nil
}

// suppressed fails open: a counter store error lets the event through.
func (p *Publisher) suppressed(ctx context.Context, event *domain.FraudEvent) bool {
	if p.window <= 0 || p.cache == nil {
		return false
	}

	count, err := p.cache.IncrementCounter(ctx, suppressKey(event), p.window)
	if err != nil {
		p.logger.Warn("suppression counter unavailable, publishing anyway",
			"user", event.User,
			"metric", event.Metric,
			"error", err,
		)
		return false
	}
	return count > 1
}

func suppressKey(e *domain.FraudEvent) string {
	return "frd:" + string(e.Kind) + ":" + e.Metric + ":" + strconv.FormatInt(e.RuleID, 10) + ":" + e.User
}

// Decode parses an event published by Publisher.
func Decode(payload []byte) (*domain.FraudEvent, error) {
	var event domain.FraudEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &event, nil
}

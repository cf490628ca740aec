// Package worker consumes Kestrel's bus topics: session end notifications,
// reload requests and fraud events to persist.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/session"
)

// SessionEnder ends call sessions.
type SessionEnder interface {
	End(id string, endedAt time.Time) error
}

// ReloadTrigger requests a rule reload.
type ReloadTrigger interface {
	Trigger(ctx context.Context, reason string) error
}

// EventSink stores fraud events.
type EventSink interface {
	SaveEvent(ctx context.Context, event *domain.FraudEvent) error
}

// Worker subscribes handlers to the event bus. Any dependency left nil
// disables its topic.
type Worker struct {
	bus      domain.EventBus
	sessions SessionEnder
	reloader ReloadTrigger
	sink     EventSink
	logger   *slog.Logger

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new worker.
func NewWorker(bus domain.EventBus, sessions SessionEnder, reloader ReloadTrigger, sink EventSink, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		sessions: sessions,
		reloader: reloader,
		sink:     sink,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

type route struct {
	topic   string
	handler domain.MessageHandler
}

// Start subscribes every enabled handler.
func (w *Worker) Start() error {
	var routes []route
	add := func(topic string, h domain.MessageHandler) {
		routes = append(routes, route{topic, h})
	}

	if w.sessions != nil {
		add(domain.TopicSessionEnded, w.handleSessionEnded)
	}
	if w.reloader != nil {
		add(domain.TopicRulesReload, w.handleReload)
	}
	if w.sink != nil {
		add(domain.TopicFraudWarning, w.handleFraudEvent)
		add(domain.TopicFraudCritical, w.handleFraudEvent)
	}

	for _, h := range routes {
		sub, err := w.bus.Subscribe(w.ctx, h.topic, h.handler)
		if err != nil {
			w.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", h.topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started", "topics", len(w.subscriptions))
	return nil
}

func (w *Worker) handleSessionEnded(ctx context.Context, msg *domain.Message) error {
	var m domain.SessionEndedMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return fmt.Errorf("failed to parse session end message %s: %w", msg.ID, err)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session end message %s has no session id", msg.ID)
	}

	var endedAt time.Time
	if m.EndedAt > 0 {
		endedAt = time.Unix(m.EndedAt, 0)
	}

	err := w.sessions.End(m.SessionID, endedAt)
	if errors.Is(err, session.ErrNotFound) {
		w.logger.Debug("session already ended or unknown", "session_id", m.SessionID)
		return nil
	}
	return err
}

func (w *Worker) handleReload(ctx context.Context, msg *domain.Message) error {
	return w.reloader.Trigger(ctx, "bus")
}

func (w *Worker) handleFraudEvent(ctx context.Context, msg *domain.Message) error {
	event, err := notify.Decode(msg.Payload)
	if err != nil {
		return err
	}
	if err := w.sink.SaveEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to save event %s: %w", event.ID, err)
	}
	return nil
}

// Stop unsubscribes all handlers.
func (w *Worker) Stop() error {
	w.cancel()
	w.unsubscribeAll()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

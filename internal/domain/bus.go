package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (in-process) or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type" validate:"oneof=channel nats"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size" validate:"gte=0"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects" validate:"gte=0"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait" validate:"gte=0"` // seconds

	// NATSQueueGroup load-balances work topics across nodes. Rule reloads
	// are always delivered to every node.
	NATSQueueGroup string `koanf:"nats_queue_group"`
}

// Topic names.
const (
	TopicFraudWarning  = "kestrel.frd.warning"
	TopicFraudCritical = "kestrel.frd.critical"
	TopicSessionEnded  = "kestrel.session.ended"
	TopicRulesReload   = "kestrel.rules.reload"
)

// SessionEndedMessage is the payload of TopicSessionEnded.
type SessionEndedMessage struct {
	SessionID string `json:"sessionId"`
	// EndedAt is unix seconds; zero means now.
	EndedAt int64 `json:"endedAt,omitempty"`
}

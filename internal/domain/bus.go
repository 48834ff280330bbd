package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single-node edge) or NATS (shared deployments).
// All methods require userID for strict per-user isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, userID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, userID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, userID string, topic string, payload []byte) ([]byte, error)

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
	UserID    string            `json:"userId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
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
	Type string `env:"BUS_TYPE"`

	// Channel settings (single-node edge)
	ChannelBufferSize int `env:"BUS_CHANNEL_BUFFER"`

	// NATS settings (shared deployments)
	NATSUrl           string `env:"BUS_NATS_URL"`
	NATSToken         string `env:"BUS_NATS_TOKEN"`
	NATSMaxReconnects int    `env:"BUS_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `env:"BUS_NATS_RECONNECT_WAIT"` // seconds
}

// Standard topic names for the gateway's mutation and payment streams.
const (
	TopicPostViewed        = "kestrel.post.viewed"
	TopicMutationConfirmed = "kestrel.mutation.confirmed"
	TopicMutationReverted  = "kestrel.mutation.reverted"
	TopicPaymentCompleted  = "kestrel.payment.completed"
	TopicPaymentFallback   = "kestrel.payment.fallback"
	TopicNotification      = "kestrel.notification"
	TopicWorkerPing        = "kestrel.worker.ping"
)

// SystemScope is the reserved scope for gateway-internal traffic such
// as the worker availability probe. Never a real user id.
const SystemScope = "system"

// MetaReplyTo is the metadata key carrying the reply topic on
// request-reply messages. Responders publish their answer to it.
const MetaReplyTo = "replyTo"

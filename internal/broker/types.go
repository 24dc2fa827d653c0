package broker

import (
	"context"

	"cdcstream/pkg/models"
)

// PublishRequest is one record to be written to a topic. Value is encoded
// as JSON.
type PublishRequest struct {
	Topic   string
	Key     string
	Value   models.Payload
	Headers map[string]string
}

// PublishResult reports where the record landed. Partition and Offset are -1
// when the client did not report them.
type PublishResult struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	MessageID string `json:"message_id"`
}

type Producer interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type Consumer interface {
	// Consume runs the delivery loop for topic until ctx is cancelled.
	// Records are delivered one at a time and committed after the handler
	// returns, whatever its outcome.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	HealthCheck(ctx context.Context) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg models.RawMessage) error

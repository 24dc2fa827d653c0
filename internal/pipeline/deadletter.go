package pipeline

import (
	"context"
	"time"

	"cdcstream/internal/broker"
	"cdcstream/internal/constants"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
)

// DeadLetters publishes records whose processor failed to a single topic.
type DeadLetters struct {
	producer Publisher
	topic    string
	now      func() time.Time
}

func NewDeadLetters(producer Publisher, topic string, now func() time.Time) *DeadLetters {
	if now == nil {
		now = time.Now
	}
	return &DeadLetters{producer: producer, topic: topic, now: now}
}

func (d *DeadLetters) Topic() string {
	return d.topic
}

func (d *DeadLetters) Publish(ctx context.Context, msg models.RawMessage, cause error) error {
	letter := models.DeadLetter{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		Key:               msg.KeyString(),
		Value:             msg.Value,
		Headers:           msg.Headers,
		Error:             cause.Error(),
		FailedAt:          d.now(),
	}

	headers := map[string]string{constants.HeaderSourceTopic: msg.Topic}
	if id, ok := msg.Headers[constants.HeaderCorrelationID]; ok {
		headers[constants.HeaderCorrelationID] = id
	}

	_, err := d.producer.Publish(ctx, broker.PublishRequest{
		Topic:   d.topic,
		Key:     msg.KeyString(),
		Value:   letter.ToPayload(),
		Headers: headers,
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DeadLettersTotal.WithLabelValues(msg.Topic, status).Inc()
	return err
}

//go:build integration

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"cdcstream/internal/config"
	"cdcstream/internal/logger"
	"cdcstream/pkg/models"
)

func setupKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("cdcstream-test"))
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(ctx)
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}
	return brokers
}

func TestKafka_PublishConsumeRoundTrip(t *testing.T) {
	brokers := setupKafka(t)
	cfg := config.KafkaConfig{
		Brokers:     brokers,
		GroupID:     "integration",
		StartOffset: "earliest",
		MinBytes:    1,
		MaxBytes:    10_000_000,
		Retry:       config.RetryConfig{MaxAttempts: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2},
	}
	log := logger.NopLogger()

	producer := NewKafkaProducer(cfg, log)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, producer.HealthCheck(ctx))

	res, err := producer.Publish(ctx, PublishRequest{
		Topic: "orders",
		Key:   "ord-1",
		Value: models.Payload{"id": "ord-1", "total_amount": 5000.0},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Offset, int64(0))

	consumer := NewKafkaConsumer(cfg, log)

	var mu sync.Mutex
	var got []models.RawMessage
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(consumeCtx, "orders", func(_ context.Context, msg models.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 45*time.Second, 200*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	require.NoError(t, consumer.Close())

	assert.Equal(t, "ord-1", got[0].KeyString())
	assert.Equal(t, 5000.0, got[0].Value["total_amount"])
	assert.Equal(t, "msg-"+res.MessageID, got[0].Headers["correlation_id"])
}

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"cdcstream/internal/broker"
	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/stream"
	"cdcstream/pkg/models"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.PublishResult), args.Error(1)
}

func (m *mockProducer) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockProducer) Close() error {
	return m.Called().Error(0)
}

// published returns the requests seen for topic.
func (m *mockProducer) published(topic string) []broker.PublishRequest {
	var out []broker.PublishRequest
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		req := call.Arguments.Get(1).(broker.PublishRequest)
		if req.Topic == topic {
			out = append(out, req)
		}
	}
	return out
}

type streamPut struct {
	stream string
	data   []byte
	key    string
}

type fakeStream struct {
	mu        sync.Mutex
	puts      []streamPut
	err       error
	healthErr error
}

func (f *fakeStream) PutRecord(_ context.Context, name string, data []byte, key string) (stream.PutRecordResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return stream.PutRecordResult{}, f.err
	}
	f.puts = append(f.puts, streamPut{stream: name, data: data, key: key})
	return stream.PutRecordResult{ShardID: "shardId-0", SequenceNumber: "1", PartitionKey: key}, nil
}

func (f *fakeStream) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeStream) recorded() []streamPut {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]streamPut(nil), f.puts...)
}

type fakeConsumer struct {
	mu     sync.Mutex
	topics []string
	closed bool
	// late holds one record per topic that is handed to the handler after
	// ctx is cancelled, like a message still being processed at shutdown.
	late map[string]models.RawMessage
}

func (c *fakeConsumer) Consume(ctx context.Context, topic string, handler broker.HandlerFunc) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	msg, ok := c.late[topic]
	c.mu.Unlock()

	<-ctx.Done()
	if !ok {
		return nil
	}
	time.Sleep(50 * time.Millisecond)
	return handler(ctx, msg)
}

func (c *fakeConsumer) HealthCheck(context.Context) error { return nil }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) SetServiceName(string) {}

type recordingSink struct {
	mu      sync.Mutex
	batches []models.MetricsBatch
	err     error
}

func (s *recordingSink) Emit(_ context.Context, batch models.MetricsBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) emitted() []models.MetricsBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MetricsBatch(nil), s.batches...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			Type:  "kafka",
			Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, DLQTopic: "stream_processor_dlq"},
		},
		Processing: config.ProcessingConfig{
			Topics:                    []string{"orders", "users", "events"},
			EnableKafkaOutput:         true,
			EnableKinesisOutput:       true,
			MaxAllowedErrors:          100,
			CrossPlatformSyncInterval: 300,
			FailurePolicy:             constants.FailurePolicyDrop,
		},
		Metrics: config.MetricsConfig{
			CollectionInterval: 60,
			BufferSize:         1000,
			FinalFlush:         true,
			Sink:               constants.MetricsSinkNone,
		},
	}
}

func strPtr(s string) *string { return &s }

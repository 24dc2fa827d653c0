package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/logging"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
	"cdcstream/pkg/retry"
	"cdcstream/pkg/tracing"
)

const headerMessageID = "message_id"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	brokers []string
	policy  retry.Policy
	logger  logger.Logger
	ping    func(ctx context.Context, brokers []string) error

	// pending routes write completions back to the publishing call.
	pending sync.Map
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	p := &KafkaProducer{
		brokers: cfg.Brokers,
		policy:  cfg.Retry.Policy(),
		logger:  log,
		ping:    Ping,
	}

	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
		Completion:             p.onCompletion,
	}

	return p
}

func (p *KafkaProducer) onCompletion(messages []kafka.Message, err error) {
	if err != nil {
		return
	}
	for _, m := range messages {
		id := headerValue(m.Headers, headerMessageID)
		if id == "" {
			continue
		}
		if ch, ok := p.pending.Load(id); ok {
			select {
			case ch.(chan kafka.Message) <- m:
			default:
			}
		}
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	result := PublishResult{Topic: req.Topic, Partition: -1, Offset: -1}

	body, err := json.Marshal(req.Value)
	if err != nil {
		return result, apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to marshal message: %w", err)).AsFatal()
	}

	ctx, span := tracing.StartProducerSpan(ctx, req.Topic)
	defer span.End()

	result.MessageID = uuid.NewString()
	headers := buildHeaders(req.Headers, result.MessageID)
	headers = tracing.InjectTraceContext(ctx, headers)

	msg := kafka.Message{
		Topic:   req.Topic,
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}
	if req.Key != "" {
		msg.Key = []byte(req.Key)
	}

	done := make(chan kafka.Message, 1)
	p.pending.Store(result.MessageID, done)
	defer p.pending.Delete(result.MessageID)

	start := time.Now()
	err = retry.RetryWithCallback(ctx, p.policy, func() error {
		return classifyWriteError(p.writer.WriteMessages(ctx, msg))
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("kafka_producer", req.Topic).Inc()
		p.logger.WarnwCtx(ctx, "Retrying kafka publish",
			"attempt", attempt,
			"max_attempts", p.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", req.Topic,
		)
	})
	metrics.ObserveKafkaWriteDuration(req.Topic, time.Since(start))

	if err != nil {
		span.RecordError(err)
		return result, apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to write kafka message to %s: %w", req.Topic, err))
	}

	select {
	case written := <-done:
		result.Partition = written.Partition
		result.Offset = written.Offset
	default:
	}

	metrics.IncKafkaMessagesWritten(req.Topic)
	metrics.ObserveKafkaMessageSize(req.Topic, "out", len(body))

	return result, nil
}

// buildHeaders copies the caller headers and adds a correlation id and a
// timestamp when absent. The message id header is always set.
func buildHeaders(in map[string]string, messageID string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(in)+3)
	for k, v := range in {
		if k == headerMessageID {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if _, ok := in[constants.HeaderCorrelationID]; !ok {
		headers = append(headers, kafka.Header{Key: constants.HeaderCorrelationID, Value: []byte("msg-" + messageID)})
	}
	if _, ok := in[constants.HeaderTimestamp]; !ok {
		headers = append(headers, kafka.Header{Key: constants.HeaderTimestamp, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))})
	}
	headers = append(headers, kafka.Header{Key: headerMessageID, Value: []byte(messageID)})
	return headers
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return retry.NewFatalError(err)
	}
	if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, context.Canceled) {
		return retry.NewFatalError(err)
	}
	return err
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	return p.ping(ctx, p.brokers)
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	logger      logger.Logger
	serviceName string
	newReader   func(topic string) messageReader
	ping        func(ctx context.Context, brokers []string) error

	mu      sync.Mutex
	readers map[string]messageReader
	wg      sync.WaitGroup
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: constants.ServiceName,
		readers:     make(map[string]messageReader),
		ping:        Ping,
	}
	c.newReader = c.kafkaReader
	return c
}

func (c *KafkaConsumer) kafkaReader(topic string) messageReader {
	startOffset := kafka.LastOffset
	if strings.EqualFold(c.cfg.StartOffset, "earliest") {
		startOffset = kafka.FirstOffset
	}

	maxWait := time.Duration(c.cfg.MaxWaitSeconds) * time.Second
	if maxWait <= 0 {
		maxWait = time.Second
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     c.cfg.GroupID,
		Topic:       topic,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
		MaxWait:     maxWait,
		StartOffset: startOffset,
	})
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.mu.Lock()
	if _, exists := c.readers[topic]; exists {
		c.mu.Unlock()
		return fmt.Errorf("topic %s is already being consumed", topic)
	}
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)
	reader := c.newReader(topic)
	c.readers[topic] = reader
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	defer c.release(topic, reader)

	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return nil
			}
			if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.deliver(consumeCtx, reader, m, handler)
	}
}

func (c *KafkaConsumer) deliver(ctx context.Context, reader messageReader, m kafka.Message, handler HandlerFunc) {
	metrics.IncKafkaMessagesRead(m.Topic)
	metrics.ObserveKafkaMessageSize(m.Topic, "in", len(m.Value))
	if m.HighWaterMark > 0 {
		metrics.SetKafkaConsumerLag(m.Topic, m.Partition, m.HighWaterMark-m.Offset-1)
	}

	msgCtx, span := tracing.StartConsumerSpan(ctx, m)
	defer span.End()
	msgCtx = logging.WithMessageLocation(msgCtx, m.Topic, m.Partition, m.Offset)
	if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
		msgCtx = logging.WithTraceID(msgCtx, traceID.String())
	}

	defer c.commit(msgCtx, reader, m)

	raw, err := decodeMessage(m)
	if err != nil {
		metrics.DecodeFailuresTotal.WithLabelValues(m.Topic).Inc()
		c.logger.WarnwCtx(msgCtx, "Skipping record with non-JSON value", "error", err)
		return
	}
	if id := raw.Headers[constants.HeaderCorrelationID]; id != "" {
		msgCtx = logging.WithMessageID(msgCtx, id)
	}

	if err := handler(msgCtx, raw); err != nil {
		span.RecordError(err)
		c.logger.ErrorwCtx(msgCtx, "Message handler failed", "error", err)
	}
}

// commit runs even when the loop context is already cancelled so the last
// handled record is not redelivered.
func (c *KafkaConsumer) commit(ctx context.Context, reader messageReader, m kafka.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.KafkaWriteTimeout)
	defer cancel()
	if err := reader.CommitMessages(commitCtx, m); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to commit message", "error", err)
	}
}

func decodeMessage(m kafka.Message) (models.RawMessage, error) {
	var value models.Payload
	if err := json.Unmarshal(m.Value, &value); err != nil {
		return models.RawMessage{}, apperrors.ErrDecode.WithCause(err)
	}
	if value == nil {
		return models.RawMessage{}, apperrors.ErrDecode
	}

	raw := models.RawMessage{
		Topic:      m.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Value:      value,
		Headers:    make(map[string]string, len(m.Headers)),
		ReceivedAt: time.Now().UTC(),
	}
	if len(m.Key) > 0 {
		key := string(m.Key)
		raw.Key = &key
	}
	for _, h := range m.Headers {
		raw.Headers[h.Key] = string(h.Value)
	}
	return raw, nil
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaConsumer) HealthCheck(ctx context.Context) error {
	return c.ping(ctx, c.cfg.Brokers)
}

// Close closes every reader and waits for the delivery loops to return.
// release drops the topic's reader once its loop returned so the topic can
// be consumed again. Readers already taken by Close are left alone.
func (c *KafkaConsumer) release(topic string, reader messageReader) {
	c.mu.Lock()
	owned := c.readers[topic] == reader
	if owned {
		delete(c.readers, topic)
	}
	c.mu.Unlock()

	if !owned {
		return
	}
	if err := reader.Close(); err != nil {
		c.logger.Warnw("Failed to close kafka reader", "topic", topic, "error", err)
	}
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	var errs []error
	for topic, reader := range c.readers {
		delete(c.readers, topic)
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader %s close error: %w", topic, err))
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
	return errors.Join(errs...)
}

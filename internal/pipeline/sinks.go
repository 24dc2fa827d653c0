package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cdcstream/internal/broker"
	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/internal/processor"
	"cdcstream/internal/stream"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
)

// Publisher is the broker side used for processed records, dead letters and
// metrics batches.
type Publisher interface {
	Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error)
	HealthCheck(ctx context.Context) error
}

// StreamWriter is the Kinesis side.
type StreamWriter interface {
	PutRecord(ctx context.Context, stream string, data []byte, partitionKey string) (stream.PutRecordResult, error)
	HealthCheck(ctx context.Context) error
}

// Sink receives every successfully processed record.
type Sink interface {
	Name() string
	Send(ctx context.Context, sourceTopic, key string, payload models.Payload, headers map[string]string) error
}

type brokerSink struct {
	producer Publisher
}

func NewBrokerSink(producer Publisher) Sink {
	return &brokerSink{producer: producer}
}

func (s *brokerSink) Name() string { return constants.SinkKafka }

func (s *brokerSink) Send(ctx context.Context, sourceTopic, key string, payload models.Payload, headers map[string]string) error {
	_, err := s.producer.Publish(ctx, broker.PublishRequest{
		Topic:   sourceTopic + constants.KafkaOutputSuffix,
		Key:     key,
		Value:   payload,
		Headers: headers,
	})
	return err
}

type streamSink struct {
	client StreamWriter
}

func NewStreamSink(client StreamWriter) Sink {
	return &streamSink{client: client}
}

func (s *streamSink) Name() string { return constants.SinkKinesis }

func (s *streamSink) Send(ctx context.Context, sourceTopic, key string, payload models.Payload, _ map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to marshal payload: %w", err)).AsFatal()
	}
	_, err = s.client.PutRecord(ctx, sourceTopic+constants.KinesisOutputSuffix, data, key)
	return err
}

// selectiveSink only receives the payloads it accepts.
type selectiveSink interface {
	Accepts(payload models.Payload) bool
}

// analyticsSink forwards the analytics event a change processor attached to
// <prefix>.users, .orders, .products or .events, keyed by user id.
type analyticsSink struct {
	producer Publisher
	prefix   string
}

func NewAnalyticsSink(producer Publisher, prefix string) Sink {
	return &analyticsSink{producer: producer, prefix: prefix}
}

func (s *analyticsSink) Name() string { return constants.SinkAnalytics }

func (s *analyticsSink) Accepts(payload models.Payload) bool {
	_, ok := analyticsEvent(payload)
	return ok
}

func (s *analyticsSink) Send(ctx context.Context, _, _ string, payload models.Payload, headers map[string]string) error {
	event, ok := analyticsEvent(payload)
	if !ok {
		return nil
	}

	eventType, _ := event.GetString("event_type")
	data, _ := event["data"].(map[string]interface{})

	_, err := s.producer.Publish(ctx, broker.PublishRequest{
		Topic:   processor.AnalyticsTopic(s.prefix, eventType),
		Key:     processor.AnalyticsKey(data),
		Value:   event,
		Headers: headers,
	})
	return err
}

func analyticsEvent(payload models.Payload) (models.Payload, bool) {
	event, ok := payload[processor.AnalyticsField].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return models.Payload(event), true
}

// send runs one sink and records its outcome. Every failure comes back as a
// delivery error.
func send(ctx context.Context, sink Sink, sourceTopic, key string, payload models.Payload, headers map[string]string) error {
	start := time.Now()
	err := sink.Send(ctx, sourceTopic, key, payload, headers)
	metrics.ObserveSinkPublish(sink.Name(), time.Since(start), err)
	if err != nil && !apperrors.IsDelivery(err) {
		err = apperrors.Wrap(fmt.Errorf("%s sink: %w", sink.Name(), err), apperrors.ErrDelivery)
	}
	return err
}

// MetricsSink receives flushed metrics batches.
type MetricsSink interface {
	Emit(ctx context.Context, batch models.MetricsBatch) error
}

type brokerMetricsSink struct {
	producer Publisher
	topic    string
}

func (s *brokerMetricsSink) Emit(ctx context.Context, batch models.MetricsBatch) error {
	value, err := batchPayload(batch)
	if err != nil {
		return err
	}
	_, err = s.producer.Publish(ctx, broker.PublishRequest{
		Topic: s.topic,
		Value: value,
	})
	return err
}

type streamMetricsSink struct {
	client StreamWriter
	stream string
}

func (s *streamMetricsSink) Emit(ctx context.Context, batch models.MetricsBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics batch: %w", err)
	}
	_, err = s.client.PutRecord(ctx, s.stream, data, "metrics")
	return err
}

type logMetricsSink struct {
	logger logger.Logger
}

func (s *logMetricsSink) Emit(ctx context.Context, batch models.MetricsBatch) error {
	fields := []interface{}{"count", batch.Count}
	if batch.Count > 0 {
		fields = append(fields,
			"first_timestamp", batch.Records[0].Timestamp,
			"last_timestamp", batch.Records[batch.Count-1].Timestamp,
		)
	}
	s.logger.InfowCtx(ctx, "Metrics batch flushed", fields...)
	return nil
}

// NewMetricsSink picks the destination for metrics batches from cfg.Sink.
func NewMetricsSink(cfg config.MetricsConfig, producer Publisher, client StreamWriter, log logger.Logger) (MetricsSink, error) {
	switch cfg.Sink {
	case constants.MetricsSinkKafka:
		if producer == nil {
			return nil, apperrors.ErrConfig.WithCause(fmt.Errorf("metrics sink %q needs a broker producer", cfg.Sink))
		}
		return &brokerMetricsSink{producer: producer, topic: cfg.Topic}, nil
	case constants.MetricsSinkKinesis:
		if client == nil {
			return nil, apperrors.ErrConfig.WithCause(fmt.Errorf("metrics sink %q needs a kinesis client", cfg.Sink))
		}
		return &streamMetricsSink{client: client, stream: cfg.Stream}, nil
	case constants.MetricsSinkNone, "":
		return &logMetricsSink{logger: log}, nil
	default:
		return nil, apperrors.ErrConfig.WithCause(fmt.Errorf("unknown metrics sink %q", cfg.Sink))
	}
}

// batchPayload converts the batch into the generic payload shape the
// producer encodes.
func batchPayload(batch models.MetricsBatch) (models.Payload, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics batch: %w", err)
	}
	var payload models.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode metrics batch: %w", err)
	}
	return payload, nil
}

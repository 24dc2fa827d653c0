package constants

import "time"

const (
	ServiceName = "stream-processor"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaDialTimeout  = 5 * time.Second
)

const (
	CacheKeyPrefixSession = "session:"
)

const (
	DefaultGroupID       = "streaming-consumer-group"
	DefaultDLQTopic      = "stream_processor_dlq"
	DefaultMetricsTopic  = "processing_metrics"
	DefaultMetricsStream = "aggregated-metrics"
)

// Sink topic and stream names are derived from the source topic.
const (
	KafkaOutputSuffix   = "_processed"
	KinesisOutputSuffix = "-processed"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultPublishAttempts = 3
	KinesisMaxBatchRecords = 500
	RollingWindowSize      = 1000
)

const (
	HeaderCorrelationID = "correlation_id"
	HeaderTimestamp     = "timestamp"
	HeaderSourceTopic   = "source_topic"
)

const (
	FailurePolicyDrop       = "drop"
	FailurePolicyDeadLetter = "dead_letter"
)

const (
	MetricsSinkKafka   = "kafka"
	MetricsSinkKinesis = "kinesis"
	MetricsSinkNone    = "none"
)

const (
	SinkKafka     = "kafka"
	SinkKinesis   = "kinesis"
	SinkAnalytics = "analytics"
)

// Tables understood by the change-data processors.
const (
	CDCTableUsers        = "users"
	CDCTableOrders       = "orders"
	CDCTableOrderItems   = "order_items"
	CDCTableUserEvents   = "user_events"
	CDCTableProductViews = "product_views"
)

const (
	DefaultAnalyticsPrefix = "analytics"
	AnalyticsSource        = "streaming-processor"
)

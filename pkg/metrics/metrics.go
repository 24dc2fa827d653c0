package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_processed_total",
			Help: "Total number of messages processed successfully (count)",
		},
		[]string{"topic"},
	)

	ProcessingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_processing_errors_total",
			Help: "Total number of messages whose processor failed (count)",
		},
		[]string{"topic"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_processing_duration_ms",
			Help:    "Wall-clock time to process one message including sink fan-out in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"topic", "status"},
	)

	MessagesPerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_messages_per_second",
			Help: "Throughput computed at the last metrics cycle (messages/second)",
		},
	)

	AvgProcessingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_avg_processing_seconds",
			Help: "Mean of the rolling processing-time window at the last metrics cycle (seconds)",
		},
	)

	SinkPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_sink_publishes_total",
			Help: "Total number of publishes to an output sink (count)",
		},
		[]string{"sink", "status"},
	)

	SinkPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_sink_publish_duration_ms",
			Help:    "Duration of a publish to an output sink in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"sink"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_dead_letters_total",
			Help: "Total number of messages published to the dead-letter topic (count)",
		},
		[]string{"topic", "status"},
	)

	DecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_decode_failures_total",
			Help: "Total number of consumed records skipped because the value was not a JSON object (count)",
		},
		[]string{"topic"},
	)

	MetricsBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_metrics_buffer_size",
			Help: "Number of metric records waiting to be flushed (count)",
		},
	)

	MetricsFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_metrics_flushes_total",
			Help: "Total number of metric buffer flushes (count)",
		},
		[]string{"status"},
	)

	MetricsRecordsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_metrics_records_dropped_total",
			Help: "Metric records discarded because the buffer hit its hard cap (count)",
		},
	)

	SessionLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_session_lookups_total",
			Help: "Total number of session lookups by result (count)",
		},
		[]string{"result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component", "target"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag reported by the reader (count)",
		},
		[]string{"topic", "partition"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)

	KinesisRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kinesis_records_total",
			Help: "Total number of records put to Kinesis (count)",
		},
		[]string{"stream", "status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of ops HTTP requests (count)",
		},
		[]string{"path", "status"},
	)
)

var (
	pipelineOnce       sync.Once
	brokerOnce         sync.Once
	streamOnce         sync.Once
	circuitBreakerOnce sync.Once
	httpOnce           sync.Once
)

func RegisterPipelineMetrics() {
	pipelineOnce.Do(func() {
		prometheus.MustRegister(
			MessagesProcessedTotal,
			ProcessingErrorsTotal,
			ProcessingDuration,
			MessagesPerSecond,
			AvgProcessingSeconds,
			SinkPublishesTotal,
			SinkPublishDuration,
			DeadLettersTotal,
			MetricsBufferSize,
			MetricsFlushesTotal,
			MetricsRecordsDroppedTotal,
			SessionLookupsTotal,
		)
	})
}

func RegisterBrokerMetrics() {
	brokerOnce.Do(func() {
		prometheus.MustRegister(
			RetryAttemptsTotal,
			DecodeFailuresTotal,
			KafkaMessagesReadTotal,
			KafkaMessagesWrittenTotal,
			KafkaMessageSizeBytes,
			KafkaConsumerLag,
			KafkaWriteDuration,
		)
	})
}

func RegisterStreamMetrics() {
	streamOnce.Do(func() {
		prometheus.MustRegister(KinesisRecordsTotal)
	})
}

func RegisterCircuitBreakerMetrics() {
	circuitBreakerOnce.Do(func() {
		prometheus.MustRegister(
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
		)
	})
}

func RegisterHTTPMetrics() {
	httpOnce.Do(func() {
		prometheus.MustRegister(RateLimitRequestsTotal, HTTPRequestsTotal)
	})
}

func ObserveProcessingDuration(topic, status string, duration time.Duration) {
	ProcessingDuration.WithLabelValues(topic, status).Observe(float64(duration.Milliseconds()))
}

func ObserveSinkPublish(sink string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SinkPublishesTotal.WithLabelValues(sink, status).Inc()
	SinkPublishDuration.WithLabelValues(sink).Observe(float64(duration.Milliseconds()))
}

func IncKafkaMessagesRead(topic string) {
	KafkaMessagesReadTotal.WithLabelValues(topic).Inc()
}

func IncKafkaMessagesWritten(topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
}

func ObserveKafkaMessageSize(topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaWriteDuration(topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(topic).Observe(float64(duration.Milliseconds()))
}

func AddKinesisRecords(stream, status string, n int) {
	KinesisRecordsTotal.WithLabelValues(stream, status).Add(float64(n))
}

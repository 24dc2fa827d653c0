package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "users", "events"}, cfg.Processing.Topics)
	assert.Equal(t, "streaming-consumer-group", cfg.Broker.Kafka.GroupID)
	assert.True(t, cfg.Processing.EnableKafkaOutput)
	assert.True(t, cfg.Processing.EnableKinesisOutput)
	assert.Equal(t, "drop", cfg.Processing.FailurePolicy)
	assert.Equal(t, 60*time.Second, cfg.Metrics.Interval())
	assert.Equal(t, 1000, cfg.Metrics.BufferSize)
	assert.True(t, cfg.Metrics.FinalFlush)
	assert.Equal(t, "processing_metrics", cfg.Metrics.Topic)
	assert.Equal(t, 30*time.Second, cfg.Processing.Timeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.Kafka.Retry.InitialInterval)
	assert.False(t, cfg.Processing.CDC.Enabled)
	assert.Equal(t, "analytics", cfg.Processing.CDC.AnalyticsPrefix)
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := LoadConfig("testdata/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, "test-group", cfg.Broker.Kafka.GroupID)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.Kafka.Retry.InitialInterval)
	assert.Equal(t, "http://localstack:4566", cfg.Stream.Kinesis.Endpoint)
	assert.Equal(t, []string{"orders", "users"}, cfg.Processing.Topics)
	assert.Equal(t, "dead_letter", cfg.Processing.FailurePolicy)
	assert.Equal(t, int64(50), cfg.Processing.MaxAllowedErrors)
	assert.Equal(t, 120*time.Second, cfg.Processing.SyncInterval())
	require.Len(t, cfg.Processing.Expressions, 1)
	assert.Equal(t, "payments", cfg.Processing.Expressions[0].Topic)
	assert.Equal(t, "payload.amount > 1000.0", cfg.Processing.Expressions[0].Fields["high_value"])
	assert.Equal(t, "kinesis", cfg.Metrics.Sink)
	assert.Equal(t, "metrics-stream", cfg.Metrics.Stream)
	assert.True(t, cfg.Processing.CDC.Enabled)
	assert.Equal(t, "analytics.test", cfg.Processing.CDC.AnalyticsPrefix)
	assert.Equal(t, []CDCSourceConfig{{Topic: "dbserver.public.orders", Table: "orders"}}, cfg.Processing.CDC.Sources)
	assert.Equal(t, []string{"orders", "users", "dbserver.public.orders"}, cfg.Processing.ConsumedTopics())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PROCESSING_TOPICS", "cdc.public.orders, cdc.public.users ,")
	t.Setenv("BROKER_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("BROKER_KAFKA_GROUP_ID", "env-group")
	t.Setenv("METRICS_BUFFER_SIZE", "25")
	t.Setenv("PROCESSING_ENABLE_KINESIS_OUTPUT", "false")

	cfg, err := LoadConfig("testdata/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"cdc.public.orders", "cdc.public.users"}, cfg.Processing.Topics)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, "env-group", cfg.Broker.Kafka.GroupID)
	assert.Equal(t, 25, cfg.Metrics.BufferSize)
	assert.False(t, cfg.Processing.EnableKinesisOutput)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Enabled: true, Port: 8080, ReadTimeoutSeconds: 10, WriteTimeoutSeconds: 10},
		Broker: BrokerConfig{
			Type: "kafka",
			Kafka: KafkaConfig{
				Brokers:  []string{"localhost:9092"},
				GroupID:  "group",
				DLQTopic: "dlq",
				Retry:    RetryConfig{MaxAttempts: 3, Multiplier: 2},
			},
		},
		Stream: StreamConfig{Kinesis: KinesisConfig{Region: "us-east-1", Retry: RetryConfig{MaxAttempts: 3, Multiplier: 2}}},
		Processing: ProcessingConfig{
			Topics:                    []string{"orders"},
			EnableKafkaOutput:         true,
			EnableKinesisOutput:       true,
			MaxAllowedErrors:          100,
			CrossPlatformSyncInterval: 300,
			TimeoutSeconds:            30,
			FailurePolicy:             "drop",
		},
		Metrics: MetricsConfig{CollectionInterval: 60, BufferSize: 1000, Sink: "kafka", Topic: "processing_metrics"},
	}
}

func TestValidateStatic(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantField string
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{
			name:      "no topics",
			mutate:    func(cfg *Config) { cfg.Processing.Topics = nil },
			wantField: "processing.topics",
		},
		{
			name:      "duplicate topic",
			mutate:    func(cfg *Config) { cfg.Processing.Topics = []string{"orders", "orders"} },
			wantField: "processing.topics[1]",
		},
		{
			name:      "missing group id",
			mutate:    func(cfg *Config) { cfg.Broker.Kafka.GroupID = "" },
			wantField: "broker.kafka.group_id",
		},
		{
			name:      "zero buffer size",
			mutate:    func(cfg *Config) { cfg.Metrics.BufferSize = 0 },
			wantField: "metrics.buffer_size",
		},
		{
			name:      "zero collection interval",
			mutate:    func(cfg *Config) { cfg.Metrics.CollectionInterval = 0 },
			wantField: "metrics.collection_interval",
		},
		{
			name:      "unknown failure policy",
			mutate:    func(cfg *Config) { cfg.Processing.FailurePolicy = "retry" },
			wantField: "processing.failure_policy",
		},
		{
			name: "dead letter without topic",
			mutate: func(cfg *Config) {
				cfg.Processing.FailurePolicy = "dead_letter"
				cfg.Broker.Kafka.DLQTopic = ""
			},
			wantField: "broker.kafka.dlq_topic",
		},
		{
			name:      "unknown metrics sink",
			mutate:    func(cfg *Config) { cfg.Metrics.Sink = "s3" },
			wantField: "metrics.sink",
		},
		{
			name: "kinesis metrics sink without stream",
			mutate: func(cfg *Config) {
				cfg.Metrics.Sink = "kinesis"
				cfg.Metrics.Stream = ""
			},
			wantField: "metrics.stream",
		},
		{
			name:      "half static credentials",
			mutate:    func(cfg *Config) { cfg.Stream.Kinesis.AccessKeyID = "key" },
			wantField: "stream.kinesis.access_key_id",
		},
		{
			name: "kinesis disabled skips region",
			mutate: func(cfg *Config) {
				cfg.Processing.EnableKinesisOutput = false
				cfg.Stream.Kinesis.Region = ""
			},
		},
		{
			name:      "max buffer not above buffer size",
			mutate:    func(cfg *Config) { cfg.Metrics.MaxBufferRecords = 500 },
			wantField: "metrics.max_buffer_records",
		},
		{
			name: "expression without fields",
			mutate: func(cfg *Config) {
				cfg.Processing.Expressions = []ExpressionConfig{{Topic: "payments"}}
			},
			wantField: "processing.expressions[0].fields",
		},
		{
			name: "expression that does not compile",
			mutate: func(cfg *Config) {
				cfg.Processing.Expressions = []ExpressionConfig{{
					Topic:  "payments",
					Fields: map[string]string{"high_value": "payload.amount > 1000.0", "tier": "payload.amount >"},
				}}
			},
			wantField: "processing.expressions[0].fields.tier",
		},
		{
			name: "valid expression",
			mutate: func(cfg *Config) {
				cfg.Processing.Expressions = []ExpressionConfig{{
					Topic:  "payments",
					Fields: map[string]string{"high_value": "payload.amount > 1000.0"},
				}}
			},
		},
		{
			name:   "sync interval zero disables sync",
			mutate: func(cfg *Config) { cfg.Processing.CrossPlatformSyncInterval = 0 },
		},
		{
			name:      "negative sync interval",
			mutate:    func(cfg *Config) { cfg.Processing.CrossPlatformSyncInterval = -1 },
			wantField: "processing.cross_platform_sync_interval",
		},
		{
			name:   "cdc with default sources",
			mutate: func(cfg *Config) { cfg.Processing.CDC = CDCConfig{Enabled: true, AnalyticsPrefix: "analytics"} },
		},
		{
			name:      "cdc without analytics prefix",
			mutate:    func(cfg *Config) { cfg.Processing.CDC = CDCConfig{Enabled: true} },
			wantField: "processing.cdc.analytics_prefix",
		},
		{
			name: "cdc unknown table",
			mutate: func(cfg *Config) {
				cfg.Processing.CDC = CDCConfig{Enabled: true, AnalyticsPrefix: "analytics", Sources: []CDCSourceConfig{
					{Topic: "cdc.invoices", Table: "invoices"},
				}}
			},
			wantField: "processing.cdc.sources[0].table",
		},
		{
			name: "cdc duplicate source topic",
			mutate: func(cfg *Config) {
				cfg.Processing.CDC = CDCConfig{Enabled: true, AnalyticsPrefix: "analytics", Sources: []CDCSourceConfig{
					{Topic: "cdc.users", Table: "users"},
					{Topic: "cdc.users", Table: "orders"},
				}}
			},
			wantField: "processing.cdc.sources[1].topic",
		},
		{
			name: "cdc disabled skips sources",
			mutate: func(cfg *Config) {
				cfg.Processing.CDC = CDCConfig{Sources: []CDCSourceConfig{{Topic: "cdc.invoices", Table: "invoices"}}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateStatic(cfg)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.wantField, vErr.Field)
		})
	}
}

func TestValidateStatic_ReportsAllSections(t *testing.T) {
	cfg := validConfig()
	cfg.Processing.Topics = nil
	cfg.Metrics.BufferSize = 0

	err := ValidateStatic(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing.topics")
	assert.Contains(t, err.Error(), "metrics.buffer_size")
}

func TestProcessingConfig_ConsumedTopics(t *testing.T) {
	cfg := ProcessingConfig{Topics: []string{"orders", "streaming.users"}}
	assert.Equal(t, []string{"orders", "streaming.users"}, cfg.ConsumedTopics())

	cfg.CDC = CDCConfig{Enabled: true}
	assert.Equal(t, []string{
		"orders", "streaming.users",
		"streaming.orders", "streaming.order_items", "streaming.user_events", "streaming.product_views",
	}, cfg.ConsumedTopics())

	cfg.CDC.Sources = []CDCSourceConfig{{Topic: "cdc.orders", Table: "orders"}}
	assert.Equal(t, []string{"orders", "streaming.users", "cdc.orders"}, cfg.ConsumedTopics())
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cdcstream/internal/constants"
)

// LoadConfig reads configFile (optional) and the environment. An empty
// configFile means defaults plus environment only.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", 10)
	viper.SetDefault("server.rate_limit.enabled", true)
	viper.SetDefault("server.rate_limit.rps", 20)
	viper.SetDefault("server.rate_limit.burst", 40)
	viper.SetDefault("server.rate_limit.cleanup_interval", 60)
	viper.SetDefault("server.rate_limit.max_age", 300)

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.group_id", constants.DefaultGroupID)
	viper.SetDefault("broker.kafka.dlq_topic", constants.DefaultDLQTopic)
	viper.SetDefault("broker.kafka.start_offset", "latest")
	viper.SetDefault("broker.kafka.min_bytes", 1)
	viper.SetDefault("broker.kafka.max_bytes", 10_000_000)
	viper.SetDefault("broker.kafka.max_wait_seconds", 1)
	viper.SetDefault("broker.kafka.retry.max_attempts", constants.DefaultPublishAttempts)
	viper.SetDefault("broker.kafka.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("broker.kafka.retry.max_interval", 5*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
	viper.SetDefault("broker.kafka.retry.max_elapsed_time", 30*time.Second)

	viper.SetDefault("stream.kinesis.region", "us-east-1")
	viper.SetDefault("stream.kinesis.retry.max_attempts", constants.DefaultPublishAttempts)
	viper.SetDefault("stream.kinesis.retry.initial_interval", 500*time.Millisecond)
	viper.SetDefault("stream.kinesis.retry.max_interval", 5*time.Second)
	viper.SetDefault("stream.kinesis.retry.multiplier", 2.0)
	viper.SetDefault("stream.kinesis.retry.max_elapsed_time", 30*time.Second)

	viper.SetDefault("processing.topics", []string{"orders", "users", "events"})
	viper.SetDefault("processing.enable_kafka_output", true)
	viper.SetDefault("processing.enable_kinesis_output", true)
	viper.SetDefault("processing.max_allowed_errors", 100)
	viper.SetDefault("processing.cross_platform_sync_interval", 300)
	viper.SetDefault("processing.timeout", 30)
	viper.SetDefault("processing.failure_policy", constants.FailurePolicyDrop)
	viper.SetDefault("processing.sessions.enabled", false)
	viper.SetDefault("processing.sessions.key_prefix", constants.CacheKeyPrefixSession)
	viper.SetDefault("processing.cdc.enabled", false)
	viper.SetDefault("processing.cdc.analytics_prefix", constants.DefaultAnalyticsPrefix)

	viper.SetDefault("metrics.collection_interval", 60)
	viper.SetDefault("metrics.buffer_size", 1000)
	viper.SetDefault("metrics.max_buffer_records", 10000)
	viper.SetDefault("metrics.final_flush", true)
	viper.SetDefault("metrics.sink", constants.MetricsSinkKafka)
	viper.SetDefault("metrics.topic", constants.DefaultMetricsTopic)
	viper.SetDefault("metrics.stream", constants.DefaultMetricsStream)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", constants.ServiceName)
	viper.SetDefault("tracing.sampler.type", "always_on")
	viper.SetDefault("tracing.sampler.param", 1.0)
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	viper.BindEnv("broker.kafka.start_offset", "BROKER_KAFKA_START_OFFSET")

	viper.BindEnv("stream.kinesis.region", "STREAM_KINESIS_REGION", "AWS_DEFAULT_REGION")
	viper.BindEnv("stream.kinesis.endpoint", "STREAM_KINESIS_ENDPOINT", "AWS_ENDPOINT_URL")
	viper.BindEnv("stream.kinesis.access_key_id", "STREAM_KINESIS_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	viper.BindEnv("stream.kinesis.secret_access_key", "STREAM_KINESIS_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("processing.topics", "PROCESSING_TOPICS")
	viper.BindEnv("processing.enable_kafka_output", "PROCESSING_ENABLE_KAFKA_OUTPUT")
	viper.BindEnv("processing.enable_kinesis_output", "PROCESSING_ENABLE_KINESIS_OUTPUT")
	viper.BindEnv("processing.max_allowed_errors", "PROCESSING_MAX_ALLOWED_ERRORS")
	viper.BindEnv("processing.cross_platform_sync_interval", "PROCESSING_CROSS_PLATFORM_SYNC_INTERVAL")
	viper.BindEnv("processing.failure_policy", "PROCESSING_FAILURE_POLICY")
	viper.BindEnv("processing.cdc.enabled", "PROCESSING_CDC_ENABLED")
	viper.BindEnv("processing.cdc.analytics_prefix", "PROCESSING_CDC_ANALYTICS_PREFIX")

	viper.BindEnv("metrics.collection_interval", "METRICS_COLLECTION_INTERVAL")
	viper.BindEnv("metrics.buffer_size", "METRICS_BUFFER_SIZE")
	viper.BindEnv("metrics.sink", "METRICS_SINK")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokers := splitList(viper.GetString("BROKER_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Broker.Kafka.Brokers = brokers
	}

	if topics := splitList(viper.GetString("PROCESSING_TOPICS")); len(topics) > 0 {
		cfg.Processing.Topics = topics
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

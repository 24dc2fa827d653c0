package config

import (
	"time"

	"cdcstream/internal/constants"
	"cdcstream/pkg/retry"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Stream         StreamConfig         `mapstructure:"stream"`
	Processing     ProcessingConfig     `mapstructure:"processing"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Enabled             bool            `mapstructure:"enabled"`
	Port                int             `mapstructure:"port"`
	ReadTimeoutSeconds  int             `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int             `mapstructure:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

func (c RedisConfig) Configured() bool {
	return c.Host != ""
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers        []string    `mapstructure:"brokers"`
	GroupID        string      `mapstructure:"group_id"`
	DLQTopic       string      `mapstructure:"dlq_topic"`
	StartOffset    string      `mapstructure:"start_offset"`
	MinBytes       int         `mapstructure:"min_bytes"`
	MaxBytes       int         `mapstructure:"max_bytes"`
	MaxWaitSeconds int         `mapstructure:"max_wait_seconds"`
	Retry          RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// Policy maps the settings onto a retry policy, keeping the defaults for
// anything left unset.
func (c RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.InitialInterval > 0 {
		policy.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		policy.MaxInterval = c.MaxInterval
	}
	if c.Multiplier > 0 {
		policy.Multiplier = c.Multiplier
	}
	if c.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.MaxElapsedTime
	}
	return policy
}

type StreamConfig struct {
	Kinesis KinesisConfig `mapstructure:"kinesis"`
}

type KinesisConfig struct {
	Region          string      `mapstructure:"region"`
	Endpoint        string      `mapstructure:"endpoint"`
	AccessKeyID     string      `mapstructure:"access_key_id"`
	SecretAccessKey string      `mapstructure:"secret_access_key"`
	Retry           RetryConfig `mapstructure:"retry"`
}

type ProcessingConfig struct {
	Topics                    []string           `mapstructure:"topics"`
	EnableKafkaOutput         bool               `mapstructure:"enable_kafka_output"`
	EnableKinesisOutput       bool               `mapstructure:"enable_kinesis_output"`
	MaxAllowedErrors          int64              `mapstructure:"max_allowed_errors"`
	CrossPlatformSyncInterval int                `mapstructure:"cross_platform_sync_interval"`
	TimeoutSeconds            int                `mapstructure:"timeout"`
	FailurePolicy             string             `mapstructure:"failure_policy"`
	Sessions                  SessionConfig      `mapstructure:"sessions"`
	Expressions               []ExpressionConfig `mapstructure:"expressions"`
	CDC                       CDCConfig          `mapstructure:"cdc"`
}

func (c ProcessingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ProcessingConfig) SyncInterval() time.Duration {
	return time.Duration(c.CrossPlatformSyncInterval) * time.Second
}

// ConsumedTopics returns the configured topics followed by any change-data
// source topic not already listed.
func (c ProcessingConfig) ConsumedTopics() []string {
	topics := append([]string(nil), c.Topics...)
	if !c.CDC.Enabled {
		return topics
	}

	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		seen[t] = true
	}
	for _, src := range c.CDC.SourceList() {
		if !seen[src.Topic] {
			seen[src.Topic] = true
			topics = append(topics, src.Topic)
		}
	}
	return topics
}

// CDCConfig enables processing of Debezium change envelopes. Each source
// maps a topic to the table whose rows it carries.
type CDCConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	AnalyticsPrefix string            `mapstructure:"analytics_prefix"`
	Sources         []CDCSourceConfig `mapstructure:"sources"`
}

type CDCSourceConfig struct {
	Topic string `mapstructure:"topic"`
	Table string `mapstructure:"table"`
}

// SourceList returns the configured sources, or the streaming.* defaults
// when none are configured.
func (c CDCConfig) SourceList() []CDCSourceConfig {
	if len(c.Sources) > 0 {
		return c.Sources
	}
	return []CDCSourceConfig{
		{Topic: "streaming.users", Table: constants.CDCTableUsers},
		{Topic: "streaming.orders", Table: constants.CDCTableOrders},
		{Topic: "streaming.order_items", Table: constants.CDCTableOrderItems},
		{Topic: "streaming.user_events", Table: constants.CDCTableUserEvents},
		{Topic: "streaming.product_views", Table: constants.CDCTableProductViews},
	}
}

type SessionConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ExpressionConfig declares a processor whose output fields are CEL
// expressions evaluated against the incoming payload.
type ExpressionConfig struct {
	Topic  string            `mapstructure:"topic"`
	Fields map[string]string `mapstructure:"fields"`
}

type MetricsConfig struct {
	CollectionInterval int    `mapstructure:"collection_interval"`
	BufferSize         int    `mapstructure:"buffer_size"`
	MaxBufferRecords   int    `mapstructure:"max_buffer_records"`
	FinalFlush         bool   `mapstructure:"final_flush"`
	Sink               string `mapstructure:"sink"`
	Topic              string `mapstructure:"topic"`
	Stream             string `mapstructure:"stream"`
}

func (c MetricsConfig) Interval() time.Duration {
	return time.Duration(c.CollectionInterval) * time.Second
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

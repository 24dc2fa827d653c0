package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cdcstream/internal/constants"
	"cdcstream/pkg/cel"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks everything that can be verified without connecting to
// any dependency. All failing sections are reported together.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := validateStream(cfg.Stream, cfg.Processing, cfg.Metrics); err != nil {
		errs = append(errs, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	if err := validateProcessing(cfg.Processing, cfg.Broker.Kafka); err != nil {
		errs = append(errs, err)
	}

	if err := validateMetrics(cfg.Metrics); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		return &ValidationError{
			Field:   "server.rate_limit",
			Message: "rps and burst must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	switch strings.ToLower(cfg.StartOffset) {
	case "", "earliest", "latest":
	default:
		return &ValidationError{
			Field:   "broker.kafka.start_offset",
			Message: fmt.Sprintf("invalid start offset: %s (valid: earliest, latest)", cfg.StartOffset),
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateStream(cfg StreamConfig, processing ProcessingConfig, metrics MetricsConfig) error {
	needsKinesis := processing.EnableKinesisOutput || metrics.Sink == constants.MetricsSinkKinesis
	if !needsKinesis {
		return nil
	}

	if cfg.Kinesis.Region == "" {
		return &ValidationError{
			Field:   "stream.kinesis.region",
			Message: "AWS region is required when Kinesis output is enabled",
		}
	}

	if (cfg.Kinesis.AccessKeyID == "") != (cfg.Kinesis.SecretAccessKey == "") {
		return &ValidationError{
			Field:   "stream.kinesis.access_key_id",
			Message: "access_key_id and secret_access_key must be set together",
		}
	}

	return validateRetry("stream.kinesis.retry", cfg.Kinesis.Retry)
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "database.redis.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	return nil
}

func validateProcessing(cfg ProcessingConfig, kafka KafkaConfig) error {
	if len(cfg.Topics) == 0 {
		return &ValidationError{
			Field:   "processing.topics",
			Message: "at least one topic is required",
		}
	}

	seen := make(map[string]bool, len(cfg.Topics))
	for i, topic := range cfg.Topics {
		if topic == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.topics[%d]", i),
				Message: "topic name cannot be empty",
			}
		}
		if seen[topic] {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.topics[%d]", i),
				Message: fmt.Sprintf("duplicate topic: %s", topic),
			}
		}
		seen[topic] = true
	}

	if cfg.MaxAllowedErrors <= 0 {
		return &ValidationError{
			Field:   "processing.max_allowed_errors",
			Message: "max_allowed_errors must be positive",
		}
	}

	if cfg.CrossPlatformSyncInterval < 0 {
		return &ValidationError{
			Field:   "processing.cross_platform_sync_interval",
			Message: "sync interval must be non-negative (0 disables the sync loop)",
		}
	}

	if cfg.TimeoutSeconds < 0 {
		return &ValidationError{
			Field:   "processing.timeout",
			Message: "timeout must be non-negative",
		}
	}

	switch cfg.FailurePolicy {
	case constants.FailurePolicyDrop:
	case constants.FailurePolicyDeadLetter:
		if kafka.DLQTopic == "" {
			return &ValidationError{
				Field:   "broker.kafka.dlq_topic",
				Message: "dead-letter topic is required when failure_policy is dead_letter",
			}
		}
	default:
		return &ValidationError{
			Field:   "processing.failure_policy",
			Message: fmt.Sprintf("invalid failure policy: %s (valid: drop, dead_letter)", cfg.FailurePolicy),
		}
	}

	if err := validateCDC(cfg.CDC); err != nil {
		return err
	}

	return validateExpressions(cfg.Expressions)
}

func validateCDC(cfg CDCConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.AnalyticsPrefix == "" {
		return &ValidationError{
			Field:   "processing.cdc.analytics_prefix",
			Message: "analytics prefix is required when cdc is enabled",
		}
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Topic == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.cdc.sources[%d].topic", i),
				Message: "topic is required",
			}
		}
		if seen[src.Topic] {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.cdc.sources[%d].topic", i),
				Message: fmt.Sprintf("duplicate cdc source topic: %s", src.Topic),
			}
		}
		seen[src.Topic] = true

		switch src.Table {
		case constants.CDCTableUsers, constants.CDCTableOrders, constants.CDCTableOrderItems,
			constants.CDCTableUserEvents, constants.CDCTableProductViews:
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("processing.cdc.sources[%d].table", i),
				Message: fmt.Sprintf("unknown cdc table: %s (valid: users, orders, order_items, user_events, product_views)", src.Table),
			}
		}
	}

	return nil
}

func validateExpressions(exprs []ExpressionConfig) error {
	if len(exprs) == 0 {
		return nil
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return err
	}

	for i, expr := range exprs {
		if expr.Topic == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.expressions[%d].topic", i),
				Message: "topic is required",
			}
		}
		if len(expr.Fields) == 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.expressions[%d].fields", i),
				Message: "at least one field expression is required",
			}
		}

		names := make([]string, 0, len(expr.Fields))
		for name := range expr.Fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := evaluator.ValidateExpression(expr.Fields[name]); err != nil {
				return &ValidationError{
					Field:   fmt.Sprintf("processing.expressions[%d].fields.%s", i, name),
					Message: err.Error(),
				}
			}
		}
	}

	return nil
}

func validateMetrics(cfg MetricsConfig) error {
	if cfg.CollectionInterval <= 0 {
		return &ValidationError{
			Field:   "metrics.collection_interval",
			Message: "collection interval must be positive",
		}
	}

	if cfg.BufferSize <= 0 {
		return &ValidationError{
			Field:   "metrics.buffer_size",
			Message: "buffer size must be positive",
		}
	}

	if cfg.MaxBufferRecords != 0 && cfg.MaxBufferRecords <= cfg.BufferSize {
		return &ValidationError{
			Field:   "metrics.max_buffer_records",
			Message: "max_buffer_records must be greater than buffer_size",
		}
	}

	switch cfg.Sink {
	case constants.MetricsSinkKafka:
		if cfg.Topic == "" {
			return &ValidationError{
				Field:   "metrics.topic",
				Message: "metrics topic is required for the kafka metrics sink",
			}
		}
	case constants.MetricsSinkKinesis:
		if cfg.Stream == "" {
			return &ValidationError{
				Field:   "metrics.stream",
				Message: "metrics stream is required for the kinesis metrics sink",
			}
		}
	case constants.MetricsSinkNone:
	default:
		return &ValidationError{
			Field:   "metrics.sink",
			Message: fmt.Sprintf("invalid metrics sink: %s (valid: kafka, kinesis, none)", cfg.Sink),
		}
	}

	return nil
}

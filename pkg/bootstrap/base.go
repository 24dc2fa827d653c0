package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"cdcstream/internal/broker"
	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/internal/stream"
)

type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
	Streams  *stream.Client
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitBroker(serviceName string) error {
	producer, err := broker.NewProducer(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	consumer, err := broker.NewConsumer(b.Config.Broker, b.Logger)
	if err != nil {
		producer.Close()
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if serviceName != "" {
		consumer.SetServiceName(serviceName)
	}

	b.Producer = producer
	b.Consumer = consumer
	return nil
}

// NeedsStream reports whether any output goes to Kinesis.
func (b *Base) NeedsStream() bool {
	return b.Config.Processing.EnableKinesisOutput || b.Config.Metrics.Sink == constants.MetricsSinkKinesis
}

// InitStream creates the Kinesis client when some output needs it.
func (b *Base) InitStream(ctx context.Context) error {
	if !b.NeedsStream() {
		return nil
	}

	client, err := stream.NewFromConfig(ctx, b.Config.Stream.Kinesis, NewBreaker("kinesis", b.Config.CircuitBreaker, b.Logger), b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create kinesis client: %w", err)
	}

	b.Streams = client
	return nil
}

// ShutdownBroker closes the broker clients once; later calls are no-ops.
func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
		b.Consumer = nil
	}

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
		b.Producer = nil
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Infow("Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	b.Logger.Infow("Application exited successfully")
	return nil
}

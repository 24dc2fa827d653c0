package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cdcstream/internal/broker"
	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/internal/processor"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/health"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
	"cdcstream/pkg/tracing"
)

var ErrAlreadyRunning = errors.New("pipeline already running")

type Deps struct {
	Config   *config.Config
	Registry *processor.Registry
	Consumer broker.Consumer
	Producer broker.Producer
	// Streams may be nil when neither processed output nor metrics go to
	// Kinesis.
	Streams     StreamWriter
	MetricsSink MetricsSink
	// Optional checks are reported on the detailed health report but never
	// make it unhealthy.
	Optional []health.Checker
	// Release closes the broker clients after the loops stopped. When nil
	// the pipeline closes Consumer and Producer itself.
	Release func() []error
	Logger  logger.Logger
	Now     func() time.Time
}

type Pipeline struct {
	cfg         config.ProcessingConfig
	metricsCfg  config.MetricsConfig
	registry    *processor.Registry
	consumer    broker.Consumer
	producer    broker.Producer
	streams     StreamWriter
	sinks       []Sink
	deadLetters *DeadLetters
	stats       *Stats
	buffer      *Buffer
	aggregator  *Aggregator
	checks      *health.CheckerRegistry
	release     func() []error
	logger      logger.Logger
	now         func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Config == nil || deps.Registry == nil || deps.Consumer == nil || deps.Producer == nil {
		return nil, apperrors.ErrConfig.WithCause(errors.New("pipeline needs config, registry, consumer and producer"))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}

	cfg := deps.Config.Processing
	p := &Pipeline{
		cfg:        cfg,
		metricsCfg: deps.Config.Metrics,
		registry:   deps.Registry,
		consumer:   deps.Consumer,
		producer:   deps.Producer,
		streams:    deps.Streams,
		stats:      NewStats(deps.Now()),
		buffer:     NewBuffer(deps.Config.Metrics.BufferSize, deps.Config.Metrics.MaxBufferRecords),
		release:    deps.Release,
		logger:     deps.Logger,
		now:        deps.Now,
	}

	if cfg.EnableKafkaOutput {
		p.sinks = append(p.sinks, NewBrokerSink(deps.Producer))
	}
	if cfg.EnableKinesisOutput {
		if deps.Streams == nil {
			return nil, apperrors.ErrConfig.WithCause(errors.New("kinesis output enabled without a kinesis client"))
		}
		p.sinks = append(p.sinks, NewStreamSink(deps.Streams))
	}

	if cfg.CDC.Enabled {
		p.sinks = append(p.sinks, NewAnalyticsSink(deps.Producer, cfg.CDC.AnalyticsPrefix))
	}

	if cfg.FailurePolicy == constants.FailurePolicyDeadLetter {
		p.deadLetters = NewDeadLetters(deps.Producer, deps.Config.Broker.Kafka.DLQTopic, deps.Now)
	}

	sink := deps.MetricsSink
	if sink == nil {
		var err error
		sink, err = NewMetricsSink(deps.Config.Metrics, deps.Producer, deps.Streams, deps.Logger)
		if err != nil {
			return nil, err
		}
	}
	p.aggregator = NewAggregator(p.stats, p.buffer, sink, deps.Config.Metrics.Interval(), deps.Config.Metrics.FinalFlush, deps.Now, deps.Logger)

	p.checks = health.NewCheckerRegistry()
	p.checks.Register(health.NewCheckFunc(constants.SinkKafka, deps.Producer.HealthCheck))
	if deps.Streams != nil {
		p.checks.Register(health.NewCheckFunc(constants.SinkKinesis, deps.Streams.HealthCheck))
	}
	p.checks.Register(health.NewCheckFunc("pipeline", p.checkRunning))
	for _, c := range deps.Optional {
		p.checks.RegisterOptional(c)
	}

	return p, nil
}

// Start launches one delivery loop per configured topic, the metrics
// aggregator and the sync loop. It returns once they are running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	for _, topic := range p.cfg.ConsumedTopics() {
		g.Go(func() error {
			if err := p.consumer.Consume(gctx, topic, p.handle); err != nil {
				return fmt.Errorf("consumer for %s: %w", topic, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return p.aggregator.Run(gctx)
	})
	if p.syncEnabled() {
		g.Go(func() error {
			return p.runSync(gctx)
		})
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	p.runErr = nil
	p.running.Store(true)

	done := p.done
	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
		p.running.Store(false)
		close(done)
	}()

	p.logger.Infow("Stream processor started",
		"topics", p.cfg.ConsumedTopics(),
		"processors", p.registry.Topics(),
		"kafka_output", p.cfg.EnableKafkaOutput,
		"kinesis_output", p.cfg.EnableKinesisOutput,
		"cdc", p.cfg.CDC.Enabled,
		"failure_policy", p.cfg.FailurePolicy,
	)
	return nil
}

// Done is closed once every loop started by Start has returned.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error that ended the loops, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

// Stop cancels the loops and waits for them, flushes the metrics buffer,
// then closes the broker clients. Messages in flight at cancellation are
// not retried.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warnw("Timed out waiting for stream processor loops")
		}
	}

	// Flush only after the delivery loops returned so records appended by
	// in-flight messages make it into the last batch.
	var errs []error
	if err := p.aggregator.FinalFlush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final metrics flush: %w", err))
	}

	if p.release != nil {
		errs = append(errs, p.release()...)
	} else {
		if err := p.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
		if err := p.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}

	p.logger.Infow("Stream processor stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) handle(ctx context.Context, msg models.RawMessage) error {
	p.ProcessMessage(ctx, msg)
	return nil
}

// ProcessMessage runs one record through its processor and the enabled
// sinks. Failures are counted and logged, never returned.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg models.RawMessage) {
	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.process_message")
	defer span.End()

	start := time.Now()

	out, err := p.invoke(ctx, msg)
	if err != nil {
		p.fail(ctx, msg, err, time.Since(start))
		return
	}

	out["processed_at"] = p.now().UTC().Format(time.RFC3339Nano)
	out["original_topic"] = msg.Topic
	out["original_offset"] = msg.Offset
	out["original_partition"] = msg.Partition

	p.fanOut(ctx, msg, out)

	size := 0
	if data, err := json.Marshal(out); err == nil {
		size = len(data)
	}
	p.buffer.Append(models.MetricRecord{
		Timestamp:         p.now().UTC(),
		Topic:             msg.Topic,
		PayloadSize:       size,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
	})

	elapsed := time.Since(start)
	p.stats.RecordSuccess(elapsed)
	metrics.MessagesProcessedTotal.WithLabelValues(msg.Topic).Inc()
	metrics.ObserveProcessingDuration(msg.Topic, "success", elapsed)

	p.logger.DebugwCtx(ctx, "Message processed",
		"processing_time", elapsed,
	)
}

func (p *Pipeline) invoke(ctx context.Context, msg models.RawMessage) (models.Payload, error) {
	fn := p.registry.Resolve(msg.Topic)

	if timeout := p.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := processor.Invoke(ctx, msg.Topic, fn, msg.Value.Clone())
	if err != nil {
		return nil, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, apperrors.ErrTimeout.WithCause(fmt.Errorf("processor for %s exceeded %s", msg.Topic, p.cfg.Timeout()))
	}
	return out, nil
}

func (p *Pipeline) fail(ctx context.Context, msg models.RawMessage, err error, elapsed time.Duration) {
	p.stats.RecordFailure()
	metrics.ProcessingErrorsTotal.WithLabelValues(msg.Topic).Inc()
	metrics.ObserveProcessingDuration(msg.Topic, "error", elapsed)

	p.logger.ErrorwCtx(ctx, "Error processing message",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", err,
	)

	if p.deadLetters == nil {
		return
	}
	if dlqErr := p.deadLetters.Publish(ctx, msg, err); dlqErr != nil {
		p.logger.ErrorwCtx(ctx, "Failed to publish dead letter",
			"dlq_topic", p.deadLetters.Topic(),
			"error", dlqErr,
		)
		return
	}
	p.stats.RecordDeadLetter()
}

// fanOut sends out to every enabled sink concurrently. A sink failure is
// logged and counted against that sink only.
func (p *Pipeline) fanOut(ctx context.Context, msg models.RawMessage, out models.Payload) {
	if len(p.sinks) == 0 {
		return
	}

	key := partitionKey(msg, out)
	headers := map[string]string{constants.HeaderSourceTopic: msg.Topic}
	if id, ok := msg.Headers[constants.HeaderCorrelationID]; ok {
		headers[constants.HeaderCorrelationID] = id
	}

	var wg sync.WaitGroup
	for _, sink := range p.sinks {
		if s, ok := sink.(selectiveSink); ok && !s.Accepts(out) {
			continue
		}
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := send(ctx, sink, msg.Topic, key, out, headers); err != nil {
				p.stats.RecordSinkError(sink.Name())
				p.logger.ErrorwCtx(ctx, "Failed to deliver processed message",
					"sink", sink.Name(),
					"error", err,
				)
			}
		}(sink)
	}
	wg.Wait()
}

// partitionKey prefers the record key, then the payload id, then a fresh
// UUID.
func partitionKey(msg models.RawMessage, out models.Payload) string {
	if key := msg.KeyString(); key != "" {
		return key
	}
	if id, ok := out["id"]; ok && id != nil {
		if s := fmt.Sprint(id); s != "" {
			return s
		}
	}
	return uuid.NewString()
}

// IsHealthy reports whether the loops are running, both sinks answer and
// the current interval stays under the error budget.
func (p *Pipeline) IsHealthy(ctx context.Context) bool {
	if !p.running.Load() {
		return false
	}
	if err := p.producer.HealthCheck(ctx); err != nil {
		return false
	}
	if p.streams != nil {
		if err := p.streams.HealthCheck(ctx); err != nil {
			return false
		}
	}
	return p.stats.Errors() < p.cfg.MaxAllowedErrors
}

// Health runs every dependency check and attaches the current stats.
func (p *Pipeline) Health(ctx context.Context) health.Health {
	h := p.checks.Check(ctx)
	h.Details = map[string]interface{}{
		"is_running":         p.running.Load(),
		"processing_errors":  p.stats.Errors(),
		"max_allowed_errors": p.cfg.MaxAllowedErrors,
	}
	return h
}

func (p *Pipeline) checkRunning(context.Context) error {
	if !p.running.Load() {
		return errors.New("stream processor is not running")
	}
	if errs := p.stats.Errors(); errs >= p.cfg.MaxAllowedErrors {
		return fmt.Errorf("processing errors %d reached the limit of %d", errs, p.cfg.MaxAllowedErrors)
	}
	return nil
}

// Report is the payload served on the stats endpoint.
type Report struct {
	ProcessingStats
	IsRunning         bool     `json:"is_running"`
	ActiveProcessors  int      `json:"active_processors"`
	Topics            []string `json:"topics"`
	MetricsBufferSize int      `json:"metrics_buffer_size"`
	WindowSize        int      `json:"window_size"`
}

func (p *Pipeline) Stats() Report {
	return Report{
		ProcessingStats:   p.stats.Snapshot(),
		IsRunning:         p.running.Load(),
		ActiveProcessors:  len(p.registry.Topics()),
		Topics:            p.cfg.ConsumedTopics(),
		MetricsBufferSize: p.buffer.Len(),
		WindowSize:        p.stats.WindowLen(),
	}
}

func (p *Pipeline) IsRunning() bool {
	return p.running.Load()
}

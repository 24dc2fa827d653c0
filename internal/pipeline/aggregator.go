package pipeline

import (
	"context"
	"time"

	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
)

// Aggregator closes a stats interval on every tick and flushes the metrics
// buffer when it grows past its threshold.
type Aggregator struct {
	stats      *Stats
	buffer     *Buffer
	sink       MetricsSink
	interval   time.Duration
	finalFlush bool
	now        func() time.Time
	logger     logger.Logger
}

func NewAggregator(stats *Stats, buffer *Buffer, sink MetricsSink, interval time.Duration, finalFlush bool, now func() time.Time, log logger.Logger) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		stats:      stats,
		buffer:     buffer,
		sink:       sink,
		interval:   interval,
		finalFlush: finalFlush,
		now:        now,
		logger:     log,
	}
}

// Run ticks until ctx is done. The buffer is left as is on exit; the owner
// calls FinalFlush once nothing appends to it anymore.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Cycle(ctx)
		case <-a.buffer.FlushRequests():
			if a.buffer.Len() > a.buffer.Threshold() {
				if err := a.Flush(ctx); err != nil {
					a.logger.WarnwCtx(ctx, "Metrics flush failed", "error", err)
				}
			}
		}
	}
}

// Cycle runs one aggregation step and returns the interval it closed.
func (a *Aggregator) Cycle(ctx context.Context) ProcessingStats {
	closed := a.stats.Cycle(a.now())

	a.logger.InfowCtx(ctx, "Processing metrics",
		"messages_processed", closed.MessagesProcessed,
		"processing_errors", closed.ProcessingErrors,
		"broker_sink_errors", closed.BrokerSinkErrors,
		"stream_sink_errors", closed.StreamSinkErrors,
		"analytics_sink_errors", closed.AnalyticsSinkErrors,
		"dead_lettered", closed.DeadLettered,
		"avg_processing_time", closed.AvgProcessingTime,
		"messages_per_second", closed.MessagesPerSecond,
		"buffer_size", a.buffer.Len(),
	)

	if a.buffer.Len() > a.buffer.Threshold() {
		if err := a.Flush(ctx); err != nil {
			a.logger.WarnwCtx(ctx, "Metrics flush failed", "error", err)
		}
	}

	return closed
}

// FinalFlush emits what is left in the buffer when final flush is enabled.
// It runs even if ctx is already cancelled, bounded by the shutdown timeout.
func (a *Aggregator) FinalFlush(ctx context.Context) error {
	if !a.finalFlush {
		return nil
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
	defer cancel()

	if err := a.Flush(flushCtx); err != nil {
		a.logger.Errorw("Final metrics flush failed", "error", err, "records", a.buffer.Len())
		return err
	}
	return nil
}

// Flush emits the whole buffer as one batch. A failed batch goes back to
// the front of the buffer.
func (a *Aggregator) Flush(ctx context.Context) error {
	records := a.buffer.Drain()
	if len(records) == 0 {
		return nil
	}

	batch := models.NewMetricsBatch(records, a.now().UTC())
	if err := a.sink.Emit(ctx, batch); err != nil {
		a.buffer.Restore(records)
		metrics.MetricsFlushesTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.MetricsFlushesTotal.WithLabelValues("success").Inc()
	a.logger.DebugwCtx(ctx, "Flushed metrics buffer", "count", batch.Count)
	return nil
}

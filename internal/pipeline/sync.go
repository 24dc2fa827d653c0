package pipeline

import (
	"context"
	"time"

	"cdcstream/internal/constants"
)

func (p *Pipeline) syncEnabled() bool {
	return p.cfg.EnableKafkaOutput && p.cfg.EnableKinesisOutput && p.streams != nil && p.cfg.SyncInterval() > 0
}

// runSync periodically probes both outputs and reports how far their
// delivery diverged in the current interval.
func (p *Pipeline) runSync(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.syncCycle(ctx)
		}
	}
}

func (p *Pipeline) syncCycle(ctx context.Context) {
	snap := p.stats.Snapshot()

	kafkaErr := p.producer.HealthCheck(ctx)
	kinesisErr := p.streams.HealthCheck(ctx)

	fields := []interface{}{
		"messages_processed", snap.MessagesProcessed,
		"broker_sink_errors", snap.BrokerSinkErrors,
		"stream_sink_errors", snap.StreamSinkErrors,
		"divergence", snap.BrokerSinkErrors - snap.StreamSinkErrors,
	}

	if kafkaErr != nil || kinesisErr != nil {
		fields = append(fields,
			constants.SinkKafka+"_error", errString(kafkaErr),
			constants.SinkKinesis+"_error", errString(kinesisErr),
		)
		p.logger.WarnwCtx(ctx, "Cross-platform sync found an unavailable output", fields...)
		return
	}

	p.logger.DebugwCtx(ctx, "Cross-platform sync cycle completed", fields...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

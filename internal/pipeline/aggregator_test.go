package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcstream/internal/logger"
	"cdcstream/pkg/models"
)

func record(offset int64) models.MetricRecord {
	return models.MetricRecord{Topic: "orders", OriginalOffset: offset}
}

func offsets(records []models.MetricRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.OriginalOffset
	}
	return out
}

func TestStats_CycleRateAndReset(t *testing.T) {
	clock := newTestClock()
	stats := NewStats(clock.Now())

	for i := 0; i < 1500; i++ {
		stats.RecordSuccess(2 * time.Millisecond)
	}
	stats.RecordFailure()
	stats.RecordSinkError("kinesis")

	clock.Advance(10 * time.Second)
	closed := stats.Cycle(clock.Now())

	assert.Equal(t, int64(1500), closed.MessagesProcessed)
	assert.InDelta(t, 150.0, closed.MessagesPerSecond, 1e-9)
	assert.InDelta(t, 0.002, closed.AvgProcessingTime, 1e-9)
	assert.Equal(t, int64(1), closed.ProcessingErrors)
	assert.Equal(t, int64(1), closed.StreamSinkErrors)

	after := stats.Snapshot()
	assert.Equal(t, int64(0), after.MessagesProcessed)
	assert.Equal(t, int64(0), after.ProcessingErrors)
	assert.Equal(t, int64(0), after.StreamSinkErrors)
	assert.Equal(t, clock.Now(), after.LastReset)
	assert.InDelta(t, 150.0, after.MessagesPerSecond, 1e-9)
}

func TestStats_WindowIsBounded(t *testing.T) {
	stats := NewStats(time.Now())
	for i := 0; i < 1000; i++ {
		stats.RecordSuccess(time.Second)
	}
	for i := 0; i < 500; i++ {
		stats.RecordSuccess(3 * time.Second)
	}

	assert.Equal(t, 1000, stats.WindowLen())
	closed := stats.Cycle(time.Now().Add(time.Second))
	// 500 of the oldest 1s samples were replaced by 3s samples.
	assert.InDelta(t, 2.0, closed.AvgProcessingTime, 1e-9)
}

func TestStats_AverageSpansIntervals(t *testing.T) {
	clock := newTestClock()
	stats := NewStats(clock.Now())
	stats.RecordSuccess(time.Second)

	clock.Advance(time.Second)
	stats.Cycle(clock.Now())
	clock.Advance(time.Second)
	closed := stats.Cycle(clock.Now())

	assert.InDelta(t, 1.0, closed.AvgProcessingTime, 1e-9)
	assert.Equal(t, 0.0, closed.MessagesPerSecond)
}

func TestBuffer_RequestsFlushAboveThreshold(t *testing.T) {
	buf := NewBuffer(2, 0)

	buf.Append(record(1))
	buf.Append(record(2))
	select {
	case <-buf.FlushRequests():
		t.Fatal("flush requested at threshold")
	default:
	}

	buf.Append(record(3))
	select {
	case <-buf.FlushRequests():
	default:
		t.Fatal("expected flush request above threshold")
	}

	// Requests coalesce and never block the appender.
	buf.Append(record(4))
	buf.Append(record(5))
	assert.Equal(t, 5, buf.Len())
}

func TestBuffer_CapDropsOldest(t *testing.T) {
	buf := NewBuffer(2, 3)
	for i := int64(1); i <= 5; i++ {
		buf.Append(record(i))
	}
	assert.Equal(t, []int64{3, 4, 5}, offsets(buf.Drain()))
	assert.Equal(t, 0, buf.Len())
}

func TestBuffer_RestoreKeepsOrder(t *testing.T) {
	buf := NewBuffer(10, 0)
	buf.Append(record(1))
	buf.Append(record(2))

	drained := buf.Drain()
	buf.Append(record(3))
	buf.Restore(drained)

	assert.Equal(t, []int64{1, 2, 3}, offsets(buf.Drain()))
}

func TestAggregator_FlushIsAtomic(t *testing.T) {
	clock := newTestClock()
	buf := NewBuffer(2, 0)
	sink := &recordingSink{}
	agg := NewAggregator(NewStats(clock.Now()), buf, sink, time.Minute, true, clock.Now, logger.NopLogger())

	for i := int64(1); i <= 3; i++ {
		buf.Append(record(i))
	}

	require.NoError(t, agg.Flush(context.Background()))
	batches := sink.emitted()
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Count)
	assert.Equal(t, []int64{1, 2, 3}, offsets(batches[0].Records))
	assert.Equal(t, clock.Now(), batches[0].FlushedAt)
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, agg.Flush(context.Background()))
	assert.Len(t, sink.emitted(), 1)
}

func TestAggregator_FailedFlushIsRetained(t *testing.T) {
	buf := NewBuffer(1, 0)
	sink := &recordingSink{err: errors.New("sink down")}
	agg := NewAggregator(NewStats(time.Now()), buf, sink, time.Minute, true, nil, logger.NopLogger())

	buf.Append(record(1))
	buf.Append(record(2))

	assert.Error(t, agg.Flush(context.Background()))
	assert.Equal(t, 2, buf.Len())

	sink.err = nil
	require.NoError(t, agg.Flush(context.Background()))
	assert.Equal(t, []int64{1, 2}, offsets(sink.emitted()[0].Records))
}

func TestAggregator_CycleFlushesOnlyAboveThreshold(t *testing.T) {
	clock := newTestClock()
	buf := NewBuffer(2, 0)
	sink := &recordingSink{}
	stats := NewStats(clock.Now())
	agg := NewAggregator(stats, buf, sink, time.Minute, true, clock.Now, logger.NopLogger())

	buf.Append(record(1))
	buf.Append(record(2))
	clock.Advance(10 * time.Second)
	agg.Cycle(context.Background())
	assert.Empty(t, sink.emitted())

	buf.Append(record(3))
	for i := 0; i < 1500; i++ {
		stats.RecordSuccess(time.Millisecond)
	}
	clock.Advance(10 * time.Second)
	closed := agg.Cycle(context.Background())

	assert.InDelta(t, 150.0, closed.MessagesPerSecond, 1e-9)
	require.Len(t, sink.emitted(), 1)
	assert.Equal(t, 3, sink.emitted()[0].Count)
	assert.Equal(t, int64(0), stats.Snapshot().MessagesProcessed)
}

func TestAggregator_RunFlushesOnRequest(t *testing.T) {
	buf := NewBuffer(2, 0)
	sink := &recordingSink{}
	agg := NewAggregator(NewStats(time.Now()), buf, sink, time.Hour, true, nil, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	for i := int64(1); i <= 3; i++ {
		buf.Append(record(i))
	}
	require.Eventually(t, func() bool { return len(sink.emitted()) == 1 }, time.Second, 5*time.Millisecond)

	buf.Append(record(4))
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, sink.emitted(), 1)
	assert.Equal(t, 1, buf.Len())
}

func TestAggregator_FinalFlush(t *testing.T) {
	buf := NewBuffer(10, 0)
	sink := &recordingSink{}
	agg := NewAggregator(NewStats(time.Now()), buf, sink, time.Hour, true, nil, logger.NopLogger())

	buf.Append(record(1))
	buf.Append(record(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, agg.FinalFlush(ctx))

	batches := sink.emitted()
	require.Len(t, batches, 1)
	assert.Equal(t, []int64{1, 2}, offsets(batches[0].Records))
	assert.Zero(t, buf.Len())
}

func TestAggregator_FinalFlushFailureKeepsRecords(t *testing.T) {
	buf := NewBuffer(10, 0)
	sink := &recordingSink{err: errors.New("metrics topic unavailable")}
	agg := NewAggregator(NewStats(time.Now()), buf, sink, time.Hour, true, nil, logger.NopLogger())

	buf.Append(record(1))
	assert.Error(t, agg.FinalFlush(context.Background()))
	assert.Equal(t, 1, buf.Len())
}

func TestAggregator_NoFinalFlushWhenDisabled(t *testing.T) {
	buf := NewBuffer(10, 0)
	sink := &recordingSink{}
	agg := NewAggregator(NewStats(time.Now()), buf, sink, time.Hour, false, nil, logger.NopLogger())

	buf.Append(record(1))
	require.NoError(t, agg.FinalFlush(context.Background()))

	assert.Empty(t, sink.emitted())
	assert.Equal(t, 1, buf.Len())
}

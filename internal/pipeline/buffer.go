package pipeline

import (
	"sync"

	"cdcstream/pkg/metrics"
	"cdcstream/pkg/models"
)

// Buffer holds metric records until the aggregator flushes them. When max
// is positive the buffer never holds more than max records and drops the
// oldest ones first.
type Buffer struct {
	mu        sync.Mutex
	records   []models.MetricRecord
	threshold int
	max       int
	flushReq  chan struct{}
}

func NewBuffer(threshold, max int) *Buffer {
	return &Buffer{
		threshold: threshold,
		max:       max,
		flushReq:  make(chan struct{}, 1),
	}
}

// Append adds rec and requests a flush once the buffer is above the
// threshold. The request never blocks.
func (b *Buffer) Append(rec models.MetricRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.trimLocked()
	size := len(b.records)
	b.mu.Unlock()

	metrics.MetricsBufferSize.Set(float64(size))

	if size > b.threshold {
		select {
		case b.flushReq <- struct{}{}:
		default:
		}
	}
}

// Drain hands the buffered records to the caller and leaves the buffer
// empty.
func (b *Buffer) Drain() []models.MetricRecord {
	b.mu.Lock()
	records := b.records
	b.records = nil
	b.mu.Unlock()

	metrics.MetricsBufferSize.Set(0)
	return records
}

// Restore puts records that failed to flush back in front of anything
// appended since they were drained.
func (b *Buffer) Restore(records []models.MetricRecord) {
	if len(records) == 0 {
		return
	}

	b.mu.Lock()
	merged := make([]models.MetricRecord, 0, len(records)+len(b.records))
	merged = append(merged, records...)
	merged = append(merged, b.records...)
	b.records = merged
	b.trimLocked()
	size := len(b.records)
	b.mu.Unlock()

	metrics.MetricsBufferSize.Set(float64(size))
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Buffer) Threshold() int {
	return b.threshold
}

// FlushRequests signals that an append crossed the threshold.
func (b *Buffer) FlushRequests() <-chan struct{} {
	return b.flushReq
}

func (b *Buffer) trimLocked() {
	if b.max <= 0 || len(b.records) <= b.max {
		return
	}
	drop := len(b.records) - b.max
	b.records = append(b.records[:0:0], b.records[drop:]...)
	metrics.MetricsRecordsDroppedTotal.Add(float64(drop))
}

package pipeline

import (
	"sync"
	"time"

	"cdcstream/internal/constants"
	"cdcstream/pkg/metrics"
)

// ProcessingStats is a snapshot of the counters for the current metrics
// interval. Counters restart at every cycle.
type ProcessingStats struct {
	MessagesProcessed   int64     `json:"messages_processed"`
	ProcessingErrors    int64     `json:"processing_errors"`
	BrokerSinkErrors    int64     `json:"broker_sink_errors"`
	StreamSinkErrors    int64     `json:"stream_sink_errors"`
	AnalyticsSinkErrors int64     `json:"analytics_sink_errors"`
	DeadLettered        int64     `json:"dead_lettered"`
	AvgProcessingTime   float64   `json:"avg_processing_time"`
	MessagesPerSecond   float64   `json:"messages_per_second"`
	LastReset           time.Time `json:"last_reset"`
}

// Stats guards the interval counters and the rolling window of processing
// durations in seconds.
type Stats struct {
	mu      sync.Mutex
	current ProcessingStats
	window  []float64
	next    int
	filled  int
}

func NewStats(now time.Time) *Stats {
	return &Stats{
		current: ProcessingStats{LastReset: now},
		window:  make([]float64, constants.RollingWindowSize),
	}
}

func (s *Stats) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.MessagesProcessed++
	s.window[s.next] = d.Seconds()
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}
}

func (s *Stats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.ProcessingErrors++
}

func (s *Stats) RecordSinkError(sink string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch sink {
	case constants.SinkKafka:
		s.current.BrokerSinkErrors++
	case constants.SinkKinesis:
		s.current.StreamSinkErrors++
	case constants.SinkAnalytics:
		s.current.AnalyticsSinkErrors++
	}
}

func (s *Stats) RecordDeadLetter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.DeadLettered++
}

func (s *Stats) Snapshot() ProcessingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Stats) Errors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.ProcessingErrors
}

// WindowLen reports how many durations the rolling window holds.
func (s *Stats) WindowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled
}

// Cycle closes the interval ending at now. It computes the window average
// and the interval rate, returns the closed interval and resets the
// counters. The average carries over when the window is empty.
func (s *Stats) Cycle(now time.Time) ProcessingStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filled > 0 {
		var sum float64
		for i := 0; i < s.filled; i++ {
			sum += s.window[i]
		}
		s.current.AvgProcessingTime = sum / float64(s.filled)
	}

	elapsed := now.Sub(s.current.LastReset).Seconds()
	if elapsed > 0 {
		s.current.MessagesPerSecond = float64(s.current.MessagesProcessed) / elapsed
	} else {
		s.current.MessagesPerSecond = 0
	}

	closed := s.current

	metrics.MessagesPerSecond.Set(closed.MessagesPerSecond)
	metrics.AvgProcessingSeconds.Set(closed.AvgProcessingTime)

	s.current = ProcessingStats{
		AvgProcessingTime: closed.AvgProcessingTime,
		MessagesPerSecond: closed.MessagesPerSecond,
		LastReset:         now,
	}
	return closed
}

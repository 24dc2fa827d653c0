package models

import "time"

// MetricRecord is appended once per successfully processed message.
type MetricRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	Topic             string    `json:"topic"`
	PayloadSize       int       `json:"message_size"`
	OriginalPartition int       `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
}

// MetricsBatch is the unit emitted downstream when the metrics buffer flushes.
type MetricsBatch struct {
	Records   []MetricRecord `json:"metrics"`
	FlushedAt time.Time      `json:"flushed_at"`
	Count     int            `json:"count"`
}

func NewMetricsBatch(records []MetricRecord, flushedAt time.Time) MetricsBatch {
	return MetricsBatch{
		Records:   records,
		FlushedAt: flushedAt,
		Count:     len(records),
	}
}

// DeadLetter wraps a message whose processor failed, for the dead-letter topic.
type DeadLetter struct {
	OriginalTopic     string            `json:"original_topic"`
	OriginalPartition int               `json:"original_partition"`
	OriginalOffset    int64             `json:"original_offset"`
	Key               string            `json:"key,omitempty"`
	Value             Payload           `json:"value"`
	Headers           map[string]string `json:"headers,omitempty"`
	Error             string            `json:"error"`
	FailedAt          time.Time         `json:"failed_at"`
}

func (d DeadLetter) ToPayload() Payload {
	p := Payload{
		"original_topic":     d.OriginalTopic,
		"original_partition": d.OriginalPartition,
		"original_offset":    d.OriginalOffset,
		"value":              map[string]interface{}(d.Value),
		"error":              d.Error,
		"failed_at":          d.FailedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Key != "" {
		p["key"] = d.Key
	}
	if len(d.Headers) > 0 {
		headers := make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
		p["headers"] = headers
	}
	return p
}

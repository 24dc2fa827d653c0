package models

import "time"

// Payload is the decoded body of a record as it flows through the pipeline.
type Payload map[string]interface{}

// RawMessage is a single record as delivered by the broker client.
type RawMessage struct {
	Topic      string            `json:"topic"`
	Partition  int               `json:"partition"`
	Offset     int64             `json:"offset"`
	Key        *string           `json:"key,omitempty"`
	Value      Payload           `json:"value"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

func (m RawMessage) KeyString() string {
	if m.Key == nil {
		return ""
	}
	return *m.Key
}

// Clone returns a deep copy of the payload. Nested maps and slices are
// copied so that enrichment never writes into the delivered message.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i := range t {
			out[i] = map[string]interface{}(Payload(t[i]).Clone())
		}
		return out
	default:
		return v
	}
}

func (p Payload) Get(name string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[name]
	return v, ok
}

func (p Payload) GetString(name string) (string, bool) {
	v, ok := p.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber returns the field as float64 when it holds any Go numeric type.
func (p Payload) GetNumber(name string) (float64, bool) {
	v, ok := p.Get(name)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

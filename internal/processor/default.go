package processor

import (
	"context"
	"fmt"
	"time"

	"cdcstream/pkg/models"
)

const (
	DefaultProcessorID = "default"
	ProcessingVersion  = "1.0"
)

// NewDefault returns the processor used for topics without a registration.
// It only adds fields and never fails on missing optional input.
func NewDefault(sessions SessionStore, now func() time.Time) Func {
	return func(ctx context.Context, in models.Payload) (models.Payload, error) {
		out := in
		ts := now().UTC().Format(time.RFC3339Nano)

		out["processor_id"] = DefaultProcessorID
		out["processing_version"] = ProcessingVersion
		out["enriched_at"] = ts
		if _, ok := out["timestamp"]; !ok {
			out["timestamp"] = ts
		}

		if v, ok := out["event_type"]; ok && v != nil {
			out["event_category"] = CategorizeEvent(fmt.Sprint(v))
		}
		if amount, ok := out.GetNumber("amount"); ok {
			out["amount_category"] = CategorizeAmount(amount)
		}
		if v, ok := out["user_id"]; ok && v != nil {
			out["session_info"] = map[string]interface{}(sessions.Lookup(ctx, fmt.Sprint(v)))
		}

		return out, nil
	}
}

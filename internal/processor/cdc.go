package processor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cdcstream/internal/constants"
	"cdcstream/pkg/models"
)

// Debezium operation codes.
const (
	OpCreate   = "c"
	OpUpdate   = "u"
	OpDelete   = "d"
	OpSnapshot = "r"
)

// AnalyticsField is the payload field a change processor fills when the
// change yields an analytics event.
const AnalyticsField = "analytics_event"

var opNames = map[string]string{
	OpCreate:   "create",
	OpUpdate:   "update",
	OpDelete:   "delete",
	OpSnapshot: "snapshot",
}

var highValueEvents = map[string]bool{
	"login":       true,
	"purchase":    true,
	"add_to_cart": true,
	"search":      true,
}

var errMissingRow = errors.New("change envelope has no row image")

// ChangeEvent is a decoded Debezium change envelope.
type ChangeEvent struct {
	Op     string
	Before models.Payload
	After  models.Payload
	Source models.Payload
}

// Row returns the row image the change describes: the old row for deletes,
// the new row otherwise.
func (e ChangeEvent) Row() models.Payload {
	if e.Op == OpDelete {
		return e.Before
	}
	return e.After
}

// DecodeChange reads an envelope either bare or wrapped in the
// {"schema", "payload"} form the JSON converter emits with schemas enabled.
func DecodeChange(in models.Payload) (ChangeEvent, error) {
	if _, ok := in["op"]; !ok {
		if inner, ok := asPayload(in["payload"]); ok {
			in = inner
		}
	}

	op, _ := in.GetString("op")
	if _, ok := opNames[op]; !ok {
		return ChangeEvent{}, fmt.Errorf("unsupported change operation %q", op)
	}

	ev := ChangeEvent{Op: op}
	ev.Before, _ = asPayload(in["before"])
	ev.After, _ = asPayload(in["after"])
	ev.Source, _ = asPayload(in["source"])

	switch op {
	case OpDelete:
		if ev.Before == nil {
			return ChangeEvent{}, fmt.Errorf("delete: %w", errMissingRow)
		}
	default:
		if ev.After == nil {
			return ChangeEvent{}, fmt.Errorf("%s: %w", opNames[op], errMissingRow)
		}
	}
	if op == OpUpdate && ev.Before == nil {
		ev.Before = models.Payload{}
	}
	return ev, nil
}

// AnalyticsEvent is forwarded to an analytics topic keyed by user.
type AnalyticsEvent struct {
	EventType string
	Data      models.Payload
}

// AnalyticsTopic routes an event type to <prefix>.users, .orders, .products
// or .events.
func AnalyticsTopic(prefix, eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "user_"):
		return prefix + ".users"
	case strings.HasPrefix(eventType, "order_"):
		return prefix + ".orders"
	case strings.HasPrefix(eventType, "product_"):
		return prefix + ".products"
	default:
		return prefix + ".events"
	}
}

// AnalyticsKey is the user id of the event, or "unknown".
func AnalyticsKey(data models.Payload) string {
	if v, ok := data["user_id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "unknown"
}

type changeHandler func(ev ChangeEvent, now time.Time) (*AnalyticsEvent, error)

var changeHandlers = map[string]changeHandler{
	constants.CDCTableUsers:        userChange,
	constants.CDCTableOrders:       orderChange,
	constants.CDCTableOrderItems:   orderItemChange,
	constants.CDCTableUserEvents:   userActivityChange,
	constants.CDCTableProductViews: productViewChange,
}

// NewChange returns the processor for change envelopes of table. The output
// is the row image with cdc_operation and cdc_table set, plus the analytics
// event when the change produces one.
func NewChange(table string, now func() time.Time) (Func, error) {
	handle, ok := changeHandlers[table]
	if !ok {
		return nil, fmt.Errorf("unknown cdc table %q", table)
	}
	if now == nil {
		now = time.Now
	}

	return func(_ context.Context, in models.Payload) (models.Payload, error) {
		ev, err := DecodeChange(in)
		if err != nil {
			return nil, err
		}

		ts := now().UTC()
		analytics, err := handle(ev, ts)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", table, opNames[ev.Op], err)
		}

		out := ev.Row().Clone()
		out["cdc_operation"] = opNames[ev.Op]
		out["cdc_table"] = table
		if analytics != nil {
			out[AnalyticsField] = map[string]interface{}{
				"event_type":   analytics.EventType,
				"data":         map[string]interface{}(analytics.Data),
				"processed_at": ts.Format(time.RFC3339Nano),
				"source":       constants.AnalyticsSource,
			}
		}
		return out, nil
	}, nil
}

func userChange(ev ChangeEvent, now time.Time) (*AnalyticsEvent, error) {
	switch ev.Op {
	case OpCreate, OpSnapshot:
		return &AnalyticsEvent{EventType: "user_created", Data: models.Payload{
			"user_id":   ev.After["id"],
			"username":  ev.After["username"],
			"email":     ev.After["email"],
			"timestamp": ev.After["created_at"],
		}}, nil

	case OpUpdate:
		changes := map[string]interface{}{}
		for field, newValue := range ev.After {
			oldValue := ev.Before[field]
			if !reflect.DeepEqual(oldValue, newValue) {
				changes[field] = map[string]interface{}{"old": oldValue, "new": newValue}
			}
		}
		if len(changes) == 0 {
			return nil, nil
		}
		return &AnalyticsEvent{EventType: "user_updated", Data: models.Payload{
			"user_id":   ev.After["id"],
			"changes":   changes,
			"timestamp": ev.After["updated_at"],
		}}, nil

	case OpDelete:
		return &AnalyticsEvent{EventType: "user_deleted", Data: models.Payload{
			"user_id":   ev.Before["id"],
			"username":  ev.Before["username"],
			"timestamp": now.Format(time.RFC3339Nano),
		}}, nil
	}
	return nil, nil
}

func orderChange(ev ChangeEvent, _ time.Time) (*AnalyticsEvent, error) {
	switch ev.Op {
	case OpCreate, OpSnapshot:
		if err := requireFields(ev.After, "id", "user_id"); err != nil {
			return nil, err
		}
		data := models.Payload{
			"order_id":     ev.After["id"],
			"user_id":      ev.After["user_id"],
			"order_number": ev.After["order_number"],
			"status":       ev.After["status"],
			"timestamp":    ev.After["created_at"],
		}
		if amount, ok := decimal(ev.After["total_amount"]); ok {
			data["total_amount"] = amount
		}
		return &AnalyticsEvent{EventType: "order_created", Data: data}, nil

	case OpUpdate:
		oldStatus, newStatus := ev.Before["status"], ev.After["status"]
		if reflect.DeepEqual(oldStatus, newStatus) {
			return nil, nil
		}
		if err := requireFields(ev.After, "user_id"); err != nil {
			return nil, err
		}
		return &AnalyticsEvent{EventType: "order_status_changed", Data: models.Payload{
			"order_id":   ev.After["id"],
			"user_id":    ev.After["user_id"],
			"old_status": oldStatus,
			"new_status": newStatus,
			"timestamp":  ev.After["updated_at"],
		}}, nil
	}
	return nil, nil
}

func orderItemChange(ev ChangeEvent, _ time.Time) (*AnalyticsEvent, error) {
	if ev.Op != OpCreate && ev.Op != OpSnapshot {
		return nil, nil
	}
	if err := requireFields(ev.After, "order_id", "product_id"); err != nil {
		return nil, err
	}

	data := models.Payload{
		"order_id":     ev.After["order_id"],
		"product_id":   ev.After["product_id"],
		"product_name": ev.After["product_name"],
		"quantity":     ev.After["quantity"],
		"timestamp":    ev.After["created_at"],
	}
	if price, ok := decimal(ev.After["unit_price"]); ok {
		data["unit_price"] = price
	}
	return &AnalyticsEvent{EventType: "order_item_added", Data: data}, nil
}

func userActivityChange(ev ChangeEvent, _ time.Time) (*AnalyticsEvent, error) {
	if ev.Op != OpCreate && ev.Op != OpSnapshot {
		return nil, nil
	}

	eventType, _ := ev.After.GetString("event_type")
	if !highValueEvents[eventType] {
		return nil, nil
	}
	if err := requireFields(ev.After, "user_id"); err != nil {
		return nil, err
	}

	eventData, ok := ev.After["event_data"]
	if !ok || eventData == nil {
		eventData = map[string]interface{}{}
	}
	return &AnalyticsEvent{EventType: "high_value_event", Data: models.Payload{
		"user_id":    ev.After["user_id"],
		"event_type": eventType,
		"event_data": eventData,
		"timestamp":  ev.After["created_at"],
	}}, nil
}

func productViewChange(ev ChangeEvent, _ time.Time) (*AnalyticsEvent, error) {
	if ev.Op != OpCreate && ev.Op != OpSnapshot {
		return nil, nil
	}
	if err := requireFields(ev.After, "user_id", "product_id"); err != nil {
		return nil, err
	}

	return &AnalyticsEvent{EventType: "product_viewed", Data: models.Payload{
		"user_id":          ev.After["user_id"],
		"product_id":       ev.After["product_id"],
		"product_category": ev.After["product_category"],
		"view_duration":    ev.After["view_duration"],
		"session_id":       ev.After["session_id"],
		"timestamp":        ev.After["created_at"],
	}}, nil
}

func requireFields(row models.Payload, fields ...string) error {
	for _, f := range fields {
		if v, ok := row[f]; !ok || v == nil {
			return fmt.Errorf("row is missing %s", f)
		}
	}
	return nil
}

// decimal reads numeric columns, which the JSON converter may emit as
// strings.
func decimal(v interface{}) (float64, bool) {
	if f, ok := models.ToFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func asPayload(v interface{}) (models.Payload, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return models.Payload(t), true
	case models.Payload:
		return t, true
	default:
		return nil, false
	}
}

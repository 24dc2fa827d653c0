package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcstream/internal/config"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/models"
)

func envelope(op string, before, after map[string]interface{}) models.Payload {
	p := models.Payload{"op": op, "source": map[string]interface{}{"table": "t"}}
	if before != nil {
		p["before"] = before
	}
	if after != nil {
		p["after"] = after
	}
	return p
}

func runChange(t *testing.T, table string, in models.Payload) models.Payload {
	t.Helper()
	fn, err := NewChange(table, clock)
	require.NoError(t, err)
	out, err := fn(context.Background(), in)
	require.NoError(t, err)
	return out
}

func analyticsOf(t *testing.T, out models.Payload) map[string]interface{} {
	t.Helper()
	event, ok := out[AnalyticsField].(map[string]interface{})
	require.True(t, ok, "expected an analytics event")
	return event
}

func TestDecodeChange(t *testing.T) {
	tests := []struct {
		name    string
		in      models.Payload
		wantOp  string
		wantErr bool
	}{
		{name: "bare create", in: envelope("c", nil, map[string]interface{}{"id": 1.0}), wantOp: OpCreate},
		{
			name: "schema wrapped",
			in: models.Payload{
				"schema":  map[string]interface{}{"type": "struct"},
				"payload": map[string]interface{}(envelope("u", map[string]interface{}{"id": 1.0}, map[string]interface{}{"id": 1.0})),
			},
			wantOp: OpUpdate,
		},
		{name: "snapshot read", in: envelope("r", nil, map[string]interface{}{"id": 1.0}), wantOp: OpSnapshot},
		{name: "missing op", in: models.Payload{"after": map[string]interface{}{}}, wantErr: true},
		{name: "truncate", in: envelope("t", nil, nil), wantErr: true},
		{name: "create without after", in: envelope("c", nil, nil), wantErr: true},
		{name: "delete without before", in: envelope("d", nil, nil), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeChange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, ev.Op)
		})
	}
}

func TestDecodeChange_UpdateWithoutBefore(t *testing.T) {
	ev, err := DecodeChange(envelope("u", nil, map[string]interface{}{"id": 1.0}))
	require.NoError(t, err)
	assert.NotNil(t, ev.Before)
	assert.Empty(t, ev.Before)
}

func TestChange_UserCreated(t *testing.T) {
	out := runChange(t, "users", envelope("c", nil, map[string]interface{}{
		"id": 42.0, "username": "ada", "email": "ada@example.com", "created_at": "2024-03-01T11:00:00Z",
	}))

	assert.Equal(t, "create", out["cdc_operation"])
	assert.Equal(t, "users", out["cdc_table"])
	assert.Equal(t, 42.0, out["id"])

	event := analyticsOf(t, out)
	assert.Equal(t, "user_created", event["event_type"])
	assert.Equal(t, "streaming-processor", event["source"])
	assert.Equal(t, "2024-03-01T12:00:00Z", event["processed_at"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, 42.0, data["user_id"])
	assert.Equal(t, "ada", data["username"])
	assert.Equal(t, "2024-03-01T11:00:00Z", data["timestamp"])
}

func TestChange_UserUpdatedReportsChangedFields(t *testing.T) {
	before := map[string]interface{}{"id": 42.0, "email": "old@example.com", "tier": "silver"}
	after := map[string]interface{}{"id": 42.0, "email": "new@example.com", "tier": "silver", "updated_at": "t1"}

	out := runChange(t, "users", envelope("u", before, after))

	data := analyticsOf(t, out)["data"].(map[string]interface{})
	assert.Equal(t, "t1", data["timestamp"])
	assert.Equal(t, map[string]interface{}{
		"email":      map[string]interface{}{"old": "old@example.com", "new": "new@example.com"},
		"updated_at": map[string]interface{}{"old": nil, "new": "t1"},
	}, data["changes"])
}

func TestChange_UserUpdatedWithoutChanges(t *testing.T) {
	row := map[string]interface{}{"id": 42.0, "email": "same@example.com"}
	out := runChange(t, "users", envelope("u", row, row))

	assert.Equal(t, "update", out["cdc_operation"])
	assert.NotContains(t, out, AnalyticsField)
}

func TestChange_UserDeleted(t *testing.T) {
	out := runChange(t, "users", envelope("d", map[string]interface{}{"id": 7.0, "username": "gone"}, nil))

	assert.Equal(t, "delete", out["cdc_operation"])
	assert.Equal(t, 7.0, out["id"])
	event := analyticsOf(t, out)
	assert.Equal(t, "user_deleted", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, "gone", data["username"])
	assert.Equal(t, "2024-03-01T12:00:00Z", data["timestamp"])
}

func TestChange_OrderCreatedParsesDecimalStrings(t *testing.T) {
	out := runChange(t, "orders", envelope("c", nil, map[string]interface{}{
		"id": 9.0, "user_id": 42.0, "order_number": "ORD-9", "total_amount": "129.50", "status": "pending",
	}))

	event := analyticsOf(t, out)
	assert.Equal(t, "order_created", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, 9.0, data["order_id"])
	assert.Equal(t, 129.5, data["total_amount"])
	assert.Equal(t, "pending", data["status"])
}

func TestChange_OrderStatus(t *testing.T) {
	before := map[string]interface{}{"id": 9.0, "user_id": 42.0, "status": "pending"}

	shipped := map[string]interface{}{"id": 9.0, "user_id": 42.0, "status": "shipped", "updated_at": "t2"}
	out := runChange(t, "orders", envelope("u", before, shipped))
	event := analyticsOf(t, out)
	assert.Equal(t, "order_status_changed", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, "pending", data["old_status"])
	assert.Equal(t, "shipped", data["new_status"])

	renamed := map[string]interface{}{"id": 9.0, "user_id": 42.0, "status": "pending", "note": "gift"}
	out = runChange(t, "orders", envelope("u", before, renamed))
	assert.NotContains(t, out, AnalyticsField)

	out = runChange(t, "orders", envelope("d", before, nil))
	assert.Equal(t, "delete", out["cdc_operation"])
	assert.NotContains(t, out, AnalyticsField)
}

func TestChange_OrderItemAdded(t *testing.T) {
	out := runChange(t, "order_items", envelope("c", nil, map[string]interface{}{
		"order_id": 9.0, "product_id": "sku-1", "product_name": "Lamp", "quantity": 2.0, "unit_price": 19.99,
	}))

	event := analyticsOf(t, out)
	assert.Equal(t, "order_item_added", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, 19.99, data["unit_price"])
	assert.Equal(t, 2.0, data["quantity"])
}

func TestChange_UserActivity(t *testing.T) {
	tests := []struct {
		eventType string
		highValue bool
	}{
		{eventType: "login", highValue: true},
		{eventType: "purchase", highValue: true},
		{eventType: "add_to_cart", highValue: true},
		{eventType: "search", highValue: true},
		{eventType: "scroll"},
		{eventType: "page_view"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			out := runChange(t, "user_events", envelope("c", nil, map[string]interface{}{
				"user_id": 42.0, "event_type": tt.eventType,
			}))
			if !tt.highValue {
				assert.NotContains(t, out, AnalyticsField)
				return
			}
			event := analyticsOf(t, out)
			assert.Equal(t, "high_value_event", event["event_type"])
			data := event["data"].(map[string]interface{})
			assert.Equal(t, map[string]interface{}{}, data["event_data"])
		})
	}
}

func TestChange_ProductViewed(t *testing.T) {
	out := runChange(t, "product_views", envelope("c", nil, map[string]interface{}{
		"user_id": 42.0, "product_id": "sku-1", "product_category": "lighting", "view_duration": 12.0, "session_id": "s-1",
	}))

	event := analyticsOf(t, out)
	assert.Equal(t, "product_viewed", event["event_type"])
	data := event["data"].(map[string]interface{})
	assert.Equal(t, "lighting", data["product_category"])
	assert.Equal(t, "s-1", data["session_id"])
}

func TestChange_MissingRequiredColumn(t *testing.T) {
	fn, err := NewChange("product_views", clock)
	require.NoError(t, err)

	_, err = fn(context.Background(), envelope("c", nil, map[string]interface{}{"product_id": "sku-1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestChange_DoesNotWriteIntoEnvelope(t *testing.T) {
	after := map[string]interface{}{"id": 1.0, "username": "ada"}
	runChange(t, "users", envelope("c", nil, after))
	assert.Equal(t, map[string]interface{}{"id": 1.0, "username": "ada"}, after)
}

func TestNewChange_UnknownTable(t *testing.T) {
	_, err := NewChange("invoices", clock)
	assert.Error(t, err)
}

func TestAnalyticsTopic(t *testing.T) {
	tests := map[string]string{
		"user_created":         "analytics.users",
		"order_status_changed": "analytics.orders",
		"order_item_added":     "analytics.orders",
		"product_viewed":       "analytics.products",
		"high_value_event":     "analytics.events",
	}
	for eventType, want := range tests {
		assert.Equal(t, want, AnalyticsTopic("analytics", eventType), eventType)
	}
}

func TestAnalyticsKey(t *testing.T) {
	assert.Equal(t, "42", AnalyticsKey(models.Payload{"user_id": 42.0}))
	assert.Equal(t, "u-1", AnalyticsKey(models.Payload{"user_id": "u-1"}))
	assert.Equal(t, "unknown", AnalyticsKey(models.Payload{}))
	assert.Equal(t, "unknown", AnalyticsKey(nil))
}

func TestBuild_RegistersChangeSources(t *testing.T) {
	reg, err := Build(Options{Now: clock, CDC: config.CDCConfig{Enabled: true}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"events", "orders",
		"streaming.order_items", "streaming.orders", "streaming.product_views",
		"streaming.user_events", "streaming.users",
		"users",
	}, reg.Topics())

	_, err = Invoke(context.Background(), "streaming.orders", reg.Resolve("streaming.orders"), models.Payload{"op": "x"})
	assert.True(t, apperrors.IsProcessor(err))
}

func TestBuild_UnknownChangeTable(t *testing.T) {
	_, err := Build(Options{Now: clock, CDC: config.CDCConfig{
		Enabled: true,
		Sources: []config.CDCSourceConfig{{Topic: "cdc.invoices", Table: "invoices"}},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfig))
}

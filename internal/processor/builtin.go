package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/netip"
	"strings"
	"time"

	"cdcstream/pkg/models"
)

var userSegments = []string{"bronze", "silver", "gold", "platinum"}

// Orders adds item totals and a size category to order records.
func Orders(_ context.Context, in models.Payload) (models.Payload, error) {
	out := in

	if items, ok := out["items"].([]interface{}); ok {
		var quantity float64
		for _, item := range items {
			fields, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if q, ok := models.ToFloat(fields["quantity"]); ok {
				quantity += q
			}
		}
		out["item_count"] = len(items)
		out["total_quantity"] = numeric(quantity)
	}

	if total, ok := out.GetNumber("total_amount"); ok {
		out["order_size_category"] = CategorizeAmount(total)
	}

	out["processed_by"] = "order_processor"
	return out, nil
}

// Users assigns a segment and replaces the email with its domain.
func Users(_ context.Context, in models.Payload) (models.Payload, error) {
	out := in

	if v, ok := out["user_id"]; ok && v != nil {
		out["user_segment"] = UserSegment(fmt.Sprint(v))
	}

	if email, ok := out["email"].(string); ok {
		out["email_domain"] = email[strings.LastIndex(email, "@")+1:]
		delete(out, "email")
	}

	out["processed_by"] = "user_processor"
	return out, nil
}

// UserSegment hashes userID into one of four segments. The result is stable
// across restarts.
func UserSegment(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return userSegments[h.Sum32()%uint32(len(userSegments))]
}

func NewEvents(now func() time.Time) Func {
	return func(_ context.Context, in models.Payload) (models.Payload, error) {
		out := in
		current := now()

		out["event_id"] = fmt.Sprintf("evt_%d", current.UnixMicro())
		out["processing_latency"] = latencyMillis(out["timestamp"], current)

		if ip, ok := out["ip_address"].(string); ok {
			if loc, ok := geoLocation(ip); ok {
				out["geo_location"] = loc
			}
		}

		out["processed_by"] = "event_processor"
		return out, nil
	}
}

func latencyMillis(ts interface{}, now time.Time) int64 {
	s, ok := ts.(string)
	if !ok {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	ms := now.Sub(t).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// geoLocation classifies an address without a lookup service. Country and
// city stay unknown.
func geoLocation(ip string) (map[string]interface{}, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, false
	}

	scope := "public"
	switch {
	case addr.IsLoopback():
		scope = "loopback"
	case addr.IsPrivate():
		scope = "private"
	case addr.IsLinkLocalUnicast():
		scope = "link_local"
	case addr.IsMulticast():
		scope = "multicast"
	case addr.IsUnspecified():
		scope = "unspecified"
	}

	version := "ipv6"
	if addr.Unmap().Is4() {
		version = "ipv4"
	}

	return map[string]interface{}{
		"ip_version": version,
		"scope":      scope,
		"country":    "unknown",
		"city":       "unknown",
	}, true
}

// numeric keeps whole numbers integral so they encode without a fraction.
func numeric(f float64) interface{} {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

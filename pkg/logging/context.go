package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey     contextKey = "trace_id"
	MessageIDKey   contextKey = "message_id"
	ServiceNameKey contextKey = "service_name"
	locationKey    contextKey = "message_location"
)

// MessageLocation identifies a consumed record within the broker.
type MessageLocation struct {
	Topic     string
	Partition int
	Offset    int64
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func WithMessageLocation(ctx context.Context, topic string, partition int, offset int64) context.Context {
	return context.WithValue(ctx, locationKey, MessageLocation{Topic: topic, Partition: partition, Offset: offset})
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func GetMessageID(ctx context.Context) string {
	if messageID, ok := ctx.Value(MessageIDKey).(string); ok {
		return messageID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetMessageLocation(ctx context.Context) (MessageLocation, bool) {
	loc, ok := ctx.Value(locationKey).(MessageLocation)
	return loc, ok
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 12)

	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, "trace_id", traceID)
	}

	if messageID := GetMessageID(ctx); messageID != "" {
		fields = append(fields, "message_id", messageID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	if loc, ok := GetMessageLocation(ctx); ok {
		fields = append(fields, "topic", loc.Topic, "partition", loc.Partition, "offset", loc.Offset)
	}

	return fields
}

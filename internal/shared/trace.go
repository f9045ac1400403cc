package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type tenantIDKey struct{}
type taskKeyKey struct{}
type deliveryIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTenantID attaches a tenant (installation) id to the context.
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantID extracts the tenant id from context. Returns 0 if absent.
func TenantID(ctx context.Context) int64 {
	if v, ok := ctx.Value(tenantIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithTaskKey attaches a mailbox task key to the context.
func WithTaskKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskKeyKey{}, key)
}

// TaskKey extracts the mailbox task key from context. Returns "" if absent.
func TaskKey(ctx context.Context) string {
	if v, ok := ctx.Value(taskKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithDeliveryID attaches a webhook delivery id to the context.
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	return context.WithValue(ctx, deliveryIDKey{}, deliveryID)
}

// DeliveryID extracts the webhook delivery id from context. Returns "" if absent.
func DeliveryID(ctx context.Context) string {
	if v, ok := ctx.Value(deliveryIDKey{}).(string); ok {
		return v
	}
	return ""
}

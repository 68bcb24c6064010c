package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	workflowIDKey
	entityIDKey
	executionIDKey
	nodeIDKey
)

// correlationKeys is the order in which IDs are emitted on log records.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{tenantIDKey, "tenant_id"},
	{workflowIDKey, "workflow_id"},
	{entityIDKey, "entity_id"},
	{executionIDKey, "execution_id"},
	{nodeIDKey, "node_id"},
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithEntityID returns a context with the entity ID set.
func WithEntityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entityIDKey, id)
}

// WithExecutionID returns a context with the execution log ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithNodeID returns a context with the graph node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string { return str(ctx, tenantIDKey) }

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return str(ctx, workflowIDKey) }

// EntityID extracts the entity ID from the context, or "" if absent.
func EntityID(ctx context.Context) string { return str(ctx, entityIDKey) }

// ExecutionID extracts the execution log ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string { return str(ctx, executionIDKey) }

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string { return str(ctx, nodeIDKey) }

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithRun sets the tenant, workflow and entity IDs for one workflow run.
func WithRun(ctx context.Context, tenantID, workflowID, entityID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithWorkflowID(ctx, workflowID)
	return WithEntityID(ctx, entityID)
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, ck := range correlationKeys {
		if v := str(ctx, ck.key); v != "" {
			out = append(out, slog.String(ck.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values yield Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

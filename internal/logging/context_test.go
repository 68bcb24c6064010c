package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", TenantID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithTenantID(ctx, "t-1")
	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithEntityID(ctx, "deal-9")
	ctx = WithExecutionID(ctx, "exec-4")
	ctx = WithNodeID(ctx, "n1")

	assert.Equal(t, "t-1", TenantID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "deal-9", EntityID(ctx))
	assert.Equal(t, "exec-4", ExecutionID(ctx))
	assert.Equal(t, "n1", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "t-abc", "wf-abc", "c-1")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=t-abc")
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "entity_id=c-1")
	assert.NotContains(t, output, "node_id")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "tenant_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithRun(context.Background(), "t-auto", "wf-auto", "e-auto")
	ctx = WithNodeID(ctx, "node-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"tenant_id":"t-auto"`)
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"entity_id":"e-auto"`)
	assert.Contains(t, output, `"node_id":"node-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "execution_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithWorkflowID(context.Background(), "wf-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/pkg/schema"
)

// HTTPConfig configures the webhook action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultHTTPTimeout     = 30 * time.Second
)

const webhookInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"], "default": "POST"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "payload_jq": {"type": "string"},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

// WebhookAction calls an outbound HTTP endpoint. The request body is the
// default event envelope, or the result of payload_jq run over the action
// environment. Any non-2xx response is a failure.
type WebhookAction struct {
	config HTTPConfig
	jq     *expressions.GoJQEngine
}

// NewWebhookAction creates a webhook action.
func NewWebhookAction(cfg HTTPConfig, jq *expressions.GoJQEngine) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &WebhookAction{config: cfg, jq: jq}
}

func (a *WebhookAction) Type() string { return schema.ActionWebhook }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Call an outbound HTTP endpoint with the record as payload.",
		InputSchema: json.RawMessage(webhookInputSchema),
	}
}

func (a *WebhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if _, err := time.ParseDuration(ts); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid timeout %q", ts)
		}
	}
	return nil
}

func (a *WebhookAction) Execute(ctx context.Context, in ActionInput) (*ActionOutput, error) {
	method := strings.ToUpper(stringParam(in.Params, "method", http.MethodPost))
	rawURL := stringParam(in.Params, "url", "")

	timeout := a.config.DefaultTimeout
	if ts := stringParam(in.Params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var body io.Reader
	if method != http.MethodGet {
		payload, err := a.payload(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to marshal payload").WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range stringMapParam(in.Params, "headers") {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to read response body").WithCause(err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": durationMs,
	}
	if len(respBody) > 0 {
		var parsed any
		if json.Unmarshal(respBody, &parsed) == nil {
			result["body"] = parsed
		} else {
			result["body"] = string(respBody)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: %s %s returned %d", method, rawURL, resp.StatusCode).
			WithDetails(result)
	}
	return output(result)
}

func (a *WebhookAction) payload(ctx context.Context, in ActionInput) (any, error) {
	if src := stringParam(in.Params, "payload_jq", ""); src != "" {
		v, err := a.jq.Evaluate(ctx, src, in.Env())
		if err != nil {
			return nil, fmt.Errorf("webhook: payload_jq: %w", err)
		}
		return v, nil
	}
	tc := in.Trigger
	return map[string]any{
		"workflow_id":  tc.WorkflowID,
		"entity_id":    tc.EntityID,
		"entity_type":  tc.EntityType,
		"trigger_type": tc.TriggerType,
		"event_type":   tc.EventType,
		"record":       in.Record,
		"changes":      tc.Changes(),
	}, nil
}

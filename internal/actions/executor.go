package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/pkg/schema"
)

// Result is the uniform outcome of one action node.
type Result struct {
	Success bool
	Error   string
	Output  json.RawMessage
}

// Executor dispatches an action config to the registered implementation for
// its type. It owns no business logic. It validates params, guards the call
// with the collaborator's circuit breaker and turns errors and panics into a
// failed Result.
type Executor struct {
	registry *Registry
	breakers *Breakers
	logger   *slog.Logger
}

// NewExecutor creates an executor over reg. breakers may be nil to disable
// circuit breaking.
func NewExecutor(reg *Registry, breakers *Breakers, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: reg, breakers: breakers, logger: logger}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one action against the entity snapshot. It never panics and
// never returns an error: every failure is reported in the Result.
func (e *Executor) Execute(ctx context.Context, cfg schema.ActionConfig, record map[string]any, tc schema.TriggerContext) (res Result) {
	log := logging.LogWith(ctx, e.logger).With(slog.String("action_type", cfg.ActionType))
	var key string

	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("action %s panicked: %v", cfg.ActionType, r)}
			log.Error("action panicked", slog.Any("panic", r))
			if e.breakers != nil && key != "" {
				e.breakers.Failure(key)
			}
		}
	}()

	action, err := e.registry.Get(cfg.ActionType)
	if err != nil {
		return Result{Error: err.Error()}
	}
	params := cfg.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := action.Validate(params); err != nil {
		return Result{Error: err.Error()}
	}
	if e.breakers != nil {
		k := BreakerKey(tc.TenantID, cfg.ActionType, targetHost(cfg.ActionType, params))
		if err := e.breakers.Allow(k); err != nil {
			log.Warn("action short-circuited", slog.String("error", err.Error()))
			return Result{Error: err.Error()}
		}
		key = k
	}

	out, err := action.Execute(ctx, ActionInput{Params: params, Record: record, Trigger: tc})
	if err != nil {
		if key != "" {
			if countsAgainstBreaker(err) {
				if state := e.breakers.Failure(key); state == CircuitOpen {
					log.Warn("action circuit opened", slog.String("breaker", key))
				}
			} else {
				e.breakers.Release(key)
			}
		}
		return Result{Error: err.Error()}
	}
	if key != "" {
		e.breakers.Success(key)
	}

	res = Result{Success: true}
	if out != nil {
		res.Output = out.Data
	}
	return res
}

// countsAgainstBreaker reports whether err is a collaborator fault. Bad
// params and missing or conflicting entities belong to one workflow or one
// record, so no FlowError in the chain may carry those codes.
func countsAgainstBreaker(err error) bool {
	for err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			return true
		}
		switch fe.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConflict:
			return false
		}
		err = fe.Cause
	}
	return true
}

// targetHost splits webhook breakers by endpoint host.
func targetHost(actionType string, params map[string]any) string {
	if actionType != schema.ActionWebhook {
		return ""
	}
	u, err := url.Parse(stringParam(params, "url", ""))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

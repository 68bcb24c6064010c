package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/actions"
	"github.com/rendis/crmflow/internal/conditions"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/entities"
	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/loopguard"
	"github.com/rendis/crmflow/internal/queue"
	"github.com/rendis/crmflow/internal/scanner"
	"github.com/rendis/crmflow/internal/service"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/internal/trigger"
	"github.com/rendis/crmflow/internal/validation"
	mcpserver "github.com/rendis/crmflow/pkg/mcp"
)

// app is the wired process: one store, one durable queue and the components
// draining and feeding it.
type app struct {
	store      *store.LibSQLStore
	queue      *queue.StoreQueue
	engine     *engine.Engine
	dispatcher *queue.Dispatcher
	matcher    *trigger.Matcher
	entities   *entities.Service
	workflows  *service.WorkflowService
	scanner    *scanner.Scanner
	mcp        *mcpserver.Server
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := store.NewLibSQLStore(dsn(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a, err := wire(s, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func wire(s *store.LibSQLStore, cfg Config, logger *slog.Logger) (*app, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel: %w", err)
	}
	exprEngine := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	evaluator := conditions.NewEvaluator(cel, logger)
	guard := loopguard.New(cfg.MaxDepth)
	q := queue.NewStoreQueue(s)

	ents := entities.New(s, nil, logger)

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.Deps{
		Outbox:   s,
		Entities: ents,
		Expr:     exprEngine,
		JQ:       jq,
	}); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	executor := actions.NewExecutor(registry, actions.NewBreakers(actions.DefaultBreakerConfig()), logger)

	eng := engine.New(s, ents, executor, evaluator, q, guard, logger)
	dispatcher := queue.NewDispatcher(s, eng.HandleJob, queue.DispatcherConfig{
		PoolSize:     cfg.PoolSize,
		PollInterval: time.Duration(cfg.PollInterval),
		MaxRetries:   retries(cfg.MaxJobRetries),
	}, logger)

	cache := trigger.NewCache(s, time.Duration(cfg.CacheTTL))
	matcher := trigger.NewMatcher(cache, q, guard, evaluator, trigger.Config{EligibleTypes: cfg.EligibleEntityTypes}, logger)
	ents.SetSink(matcher)

	validator, err := validation.NewWorkflowValidator(registry, validation.Compilers{CEL: cel, Expr: exprEngine, JQ: jq})
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}
	workflows := service.NewWorkflowService(s, validator, cache, cfg.EligibleEntityTypes, logger)

	sc, err := scanner.New(s, q, scanner.Config{Schedule: cfg.ScanSchedule}, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		store:      s,
		queue:      q,
		engine:     eng,
		dispatcher: dispatcher,
		matcher:    matcher,
		entities:   ents,
		workflows:  workflows,
		scanner:    sc,
		mcp:        mcpserver.NewServer(mcpserver.ServerDeps{Workflows: workflows, Entities: ents, Logger: logger}),
		logger:     logger,
	}, nil
}

// Start launches the dispatcher and the date trigger scanner.
func (a *app) Start(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := a.scanner.Start(ctx); err != nil {
		_ = a.dispatcher.Stop()
		return err
	}
	return nil
}

// Close stops the background loops, letting in-flight jobs finish, then
// closes the store.
func (a *app) Close() error {
	return errors.Join(
		a.scanner.Stop(),
		a.dispatcher.Stop(),
		a.store.Close(),
	)
}

// dsn turns a bare path into the file URI the libSQL driver expects.
func dsn(path string) string {
	for _, prefix := range []string{"file:", "libsql:", "http:", "https:"} {
		if strings.HasPrefix(path, prefix) {
			return path
		}
	}
	return "file:" + path
}

// retries maps the configured retry count onto DispatcherConfig, where zero
// selects the default and a negative value disables retries.
func retries(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

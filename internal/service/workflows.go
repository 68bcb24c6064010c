// Package service is the management surface over workflow definitions.
// Every mutation is validated before it is persisted and drops the tenant's
// cached trigger index afterwards, so the next entity event sees the change.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Store is the slice of store.Store the service needs.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	GetExecutionLog(ctx context.Context, id string) (*store.ExecutionLog, error)
	ListExecutionLogs(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionLog, error)
}

// Validator checks a definition at save time.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Invalidator drops cached workflows for a tenant. *trigger.Cache implements it.
type Invalidator interface {
	Invalidate(tenantID string)
}

// CreateRequest describes a new workflow. It is created as a draft.
type CreateRequest struct {
	ID          string                    `json:"id,omitempty"`
	TenantID    string                    `json:"tenant_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	EntityType  string                    `json:"entity_type"`
	Definition  schema.WorkflowDefinition `json:"definition"`
}

// UpdateRequest changes an existing workflow. Nil fields are left alone.
type UpdateRequest struct {
	Name        *string
	Description *string
	EntityType  *string
	Definition  *schema.WorkflowDefinition
}

// WorkflowService manages workflow definitions.
type WorkflowService struct {
	store     Store
	validator Validator
	cache     Invalidator
	eligible  map[string]bool
	logger    *slog.Logger
}

// NewWorkflowService creates a WorkflowService. cache may be nil. An empty
// eligibleTypes accepts any entity type.
func NewWorkflowService(s Store, v Validator, cache Invalidator, eligibleTypes []string, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	eligible := make(map[string]bool, len(eligibleTypes))
	for _, t := range eligibleTypes {
		eligible[t] = true
	}
	return &WorkflowService{store: s, validator: v, cache: cache, eligible: eligible, logger: logger}
}

// Create validates and stores a new draft workflow.
func (s *WorkflowService) Create(ctx context.Context, req CreateRequest) (*store.Workflow, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	if err := s.checkEntityType(req.EntityType); err != nil {
		return nil, err
	}
	if err := s.validate(&req.Definition); err != nil {
		return nil, err
	}

	wf := &store.Workflow{
		ID:          req.ID,
		TenantID:    req.TenantID,
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		Status:      schema.WorkflowStatusDraft,
		Definition:  req.Definition,
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, storeError("create workflow", err)
	}

	s.invalidate(wf.TenantID)
	s.logger.InfoContext(s.ctx(ctx, wf), "workflow created", slog.String("name", wf.Name))
	return wf, nil
}

// Get returns a tenant's workflow. Workflows of other tenants are NOT_FOUND.
func (s *WorkflowService) Get(ctx context.Context, tenantID, id string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	if wf.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

// List returns a tenant's workflows, optionally narrowed by entity type and status.
func (s *WorkflowService) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	if filter.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	wfs, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return wfs, nil
}

// Update validates and applies a change. A definition change on an active
// workflow takes effect for runs that start after it; suspended runs resume
// against the definition current at resume time.
func (s *WorkflowService) Update(ctx context.Context, tenantID, id string, req UpdateRequest) (*store.Workflow, error) {
	wf, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "name cannot be empty")
	}
	if req.EntityType != nil {
		if err := s.checkEntityType(*req.EntityType); err != nil {
			return nil, err
		}
	}
	if req.Definition != nil {
		if err := s.validate(req.Definition); err != nil {
			return nil, err
		}
	}

	update := store.WorkflowUpdate{
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		Definition:  req.Definition,
	}
	if err := s.store.UpdateWorkflow(ctx, id, update); err != nil {
		return nil, storeError("update workflow", err)
	}

	s.invalidate(wf.TenantID)
	s.logger.InfoContext(s.ctx(ctx, wf), "workflow updated")
	return s.Get(ctx, tenantID, id)
}

// Activate makes a draft or inactive workflow eligible for matching. The
// definition is validated again, since registered actions may have changed
// since it was saved.
func (s *WorkflowService) Activate(ctx context.Context, tenantID, id string) (*store.Workflow, error) {
	wf, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if wf.Status == schema.WorkflowStatusActive {
		return wf, nil
	}
	if err := s.validate(&wf.Definition); err != nil {
		return nil, err
	}
	return s.setStatus(ctx, wf, schema.WorkflowStatusActive)
}

// Deactivate stops new runs of an active workflow. Runs suspended in a wait
// fail when they resume.
func (s *WorkflowService) Deactivate(ctx context.Context, tenantID, id string) (*store.Workflow, error) {
	wf, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case schema.WorkflowStatusInactive:
		return wf, nil
	case schema.WorkflowStatusDraft:
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is a draft and was never activated", id)
	}
	return s.setStatus(ctx, wf, schema.WorkflowStatusInactive)
}

// Delete removes a workflow. Its execution history is kept.
func (s *WorkflowService) Delete(ctx context.Context, tenantID, id string) error {
	wf, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return storeError("delete workflow", err)
	}
	s.invalidate(wf.TenantID)
	s.logger.InfoContext(s.ctx(ctx, wf), "workflow deleted")
	return nil
}

// Executions lists a tenant's execution logs, newest first.
func (s *WorkflowService) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionLog, error) {
	if filter.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	logs, err := s.store.ListExecutionLogs(ctx, filter)
	if err != nil {
		return nil, storeError("list execution logs", err)
	}
	return logs, nil
}

// Execution returns one execution log with its action logs.
func (s *WorkflowService) Execution(ctx context.Context, tenantID, id string) (*store.ExecutionLog, error) {
	log, err := s.store.GetExecutionLog(ctx, id)
	if err != nil {
		return nil, storeError("get execution log", err)
	}
	if log.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution log %q not found", id)
	}
	return log, nil
}

func (s *WorkflowService) setStatus(ctx context.Context, wf *store.Workflow, status schema.WorkflowStatus) (*store.Workflow, error) {
	if err := s.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &status}); err != nil {
		return nil, storeError("update workflow status", err)
	}
	s.invalidate(wf.TenantID)
	s.logger.InfoContext(s.ctx(ctx, wf), "workflow status changed",
		slog.String("from", string(wf.Status)),
		slog.String("to", string(status)))
	wf.Status = status
	return wf, nil
}

func (s *WorkflowService) validate(def *schema.WorkflowDefinition) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.ValidateDefinition(def)
}

func (s *WorkflowService) checkEntityType(entityType string) error {
	if strings.TrimSpace(entityType) == "" {
		return schema.NewError(schema.ErrCodeValidation, "entity_type is required")
	}
	if len(s.eligible) > 0 && !s.eligible[entityType] {
		return schema.NewErrorf(schema.ErrCodeValidation, "entity type %q does not support workflows", entityType)
	}
	return nil
}

func (s *WorkflowService) invalidate(tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(tenantID)
	}
}

func (s *WorkflowService) ctx(ctx context.Context, wf *store.Workflow) context.Context {
	return logging.WithTenantID(logging.WithWorkflowID(ctx, wf.ID), wf.TenantID)
}

// storeError keeps FlowErrors from the store as they are and wraps anything
// else as STORE_ERROR.
func storeError(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

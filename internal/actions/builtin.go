package actions

import (
	"context"
	"time"

	"github.com/rendis/crmflow/internal/expressions"
	"github.com/rendis/crmflow/internal/store"
)

// Outbox persists the records the messaging actions produce. Delivery is
// somebody else's job.
type Outbox interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	CreateTask(ctx context.Context, t *store.Task) error
	CreateEmail(ctx context.Context, e *store.Email) error
	EnrollInSequence(ctx context.Context, en *store.SequenceEnrollment) (bool, error)
}

// EntityWriter applies a single field update to an entity and reports the
// change like any other write, so workflows can cascade.
type EntityWriter interface {
	UpdateEntityField(ctx context.Context, tenantID, entityType, entityID, field string, value any) error
}

// Deps are the collaborators of the built-in actions.
type Deps struct {
	Outbox   Outbox
	Entities EntityWriter
	Expr     *expressions.ExprEngine
	JQ       *expressions.GoJQEngine
	HTTP     HTTPConfig
	Now      func() time.Time
}

// RegisterBuiltins registers the six built-in CRM actions.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}

	all := []Action{
		&UpdateFieldAction{writer: deps.Entities, expr: deps.Expr},
		&NotificationAction{outbox: deps.Outbox},
		&TaskAction{outbox: deps.Outbox, now: deps.Now},
		&EmailAction{outbox: deps.Outbox},
		NewWebhookAction(deps.HTTP, deps.JQ),
		&EnrollAction{outbox: deps.Outbox},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

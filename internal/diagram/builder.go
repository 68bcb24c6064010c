package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Virtual node IDs used for linear workflows.
const (
	triggerID    = "__trigger__"
	conditionsID = "__conditions__"
	endID        = "__end__"
)

// Build constructs a DiagramModel from a workflow. When log is non-nil the
// action nodes carry that execution's outcome.
//
// Graph workflows are drawn as authored. Linear workflows (no trigger nodes)
// are drawn as trigger, conditions, then the declared actions in order.
func Build(wf *store.Workflow, log *store.ExecutionLog) (*DiagramModel, error) {
	g, err := engine.ParseGraph(&wf.Definition)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	model := &DiagramModel{Title: wf.Name}
	if g.IsLinear() {
		buildLinear(model, &wf.Definition)
	} else {
		buildGraph(model, g)
	}
	overlay(model, g, log)
	return model, nil
}

func buildLinear(model *DiagramModel, def *schema.WorkflowDefinition) {
	model.Nodes = append(model.Nodes, &Node{ID: triggerID, Label: triggersLabel(def.Triggers), Kind: NodeKindTrigger})
	prev := triggerID

	if len(def.Conditions) > 0 {
		model.Nodes = append(model.Nodes, &Node{ID: conditionsID, Label: groupsLabel(def.Conditions), Kind: NodeKindConditions})
		model.Edges = append(model.Edges, Edge{From: prev, To: conditionsID})
		prev = conditionsID
	}

	for i, a := range def.Actions {
		id := linearID(a, i)
		model.Nodes = append(model.Nodes, &Node{ID: id, Label: actionLabel(id, a), Kind: NodeKindAction})
		model.Edges = append(model.Edges, Edge{From: prev, To: id})
		prev = id
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})
}

func buildGraph(model *DiagramModel, g *engine.Graph) {
	for _, id := range g.Order {
		n := g.Nodes[id]
		node := &Node{ID: id, Label: id, Kind: nodeKind(n.Type)}
		switch n.Type {
		case schema.NodeTypeAction:
			if cfg, ok := g.Action(id); ok {
				node.Label = actionLabel(id, cfg)
			}
		case schema.NodeTypeBranch:
			if cfg := g.Branches[id]; len(cfg.ConditionGroups) > 0 {
				node.Label = id + "\n" + groupsLabel(cfg.ConditionGroups)
			}
		case schema.NodeTypeWait:
			node.Label = fmt.Sprintf("%s\nwait %s", id, g.Waits[id].Delay())
		}
		model.Nodes = append(model.Nodes, node)
	}
	for _, id := range g.Order {
		for _, e := range g.Out[id] {
			model.Edges = append(model.Edges, Edge{From: id, To: e.Target, Label: e.Output})
		}
	}
}

// overlay marks action nodes with their outcome in log. Linear runs execute
// in declaration order, so the nth action log belongs to the nth action.
func overlay(model *DiagramModel, g *engine.Graph, log *store.ExecutionLog) {
	if log == nil {
		return
	}
	for _, al := range log.ActionLogs {
		id := al.ActionNodeID
		if g.IsLinear() {
			i := al.Order - 1
			if i < 0 || i >= len(g.Linear) {
				continue
			}
			id = linearID(g.Linear[i], i)
		}
		if node := model.Node(id); node != nil {
			node.Status = &StatusOverlay{
				Status:     string(al.Status),
				DurationMs: al.DurationMs,
				Error:      al.ErrorMessage,
			}
		}
	}
}

func nodeKind(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeTrigger:
		return NodeKindTrigger
	case schema.NodeTypeBranch:
		return NodeKindBranch
	case schema.NodeTypeWait:
		return NodeKindWait
	case schema.NodeTypeCondition:
		return NodeKindConditions
	default:
		return NodeKindAction
	}
}

func linearID(a schema.ActionConfig, i int) string {
	if a.NodeID != "" {
		return a.NodeID
	}
	return fmt.Sprintf("action_%d", i+1)
}

func actionLabel(id string, a schema.ActionConfig) string {
	return fmt.Sprintf("%s\n(%s)", id, a.ActionType)
}

func triggersLabel(triggers []schema.Trigger) string {
	parts := make([]string, 0, len(triggers))
	for _, t := range triggers {
		switch {
		case t.Type == schema.TriggerDateBased:
			parts = append(parts, fmt.Sprintf("%s %s%+dd", t.Type, t.Field, t.OffsetDays))
		case t.Field != "":
			parts = append(parts, fmt.Sprintf("%s %s", t.Type, t.Field))
		default:
			parts = append(parts, string(t.Type))
		}
	}
	return strings.Join(parts, " | ")
}

// groupsLabel renders condition groups as "a AND b OR c".
func groupsLabel(groups []schema.ConditionGroup) string {
	ors := make([]string, 0, len(groups))
	for _, grp := range groups {
		ands := make([]string, 0, len(grp.Conditions))
		for _, c := range grp.Conditions {
			if c.Operator == schema.OpExpression {
				ands = append(ands, c.Value)
				continue
			}
			s := c.Field + " " + string(c.Operator)
			if c.Value != "" {
				s += " " + c.Value
			}
			ands = append(ands, s)
		}
		ors = append(ors, strings.Join(ands, " AND "))
	}
	return strings.Join(ors, " OR ")
}

// firstLine returns the text up to the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

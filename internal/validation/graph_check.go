package validation

import (
	"fmt"

	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/pkg/schema"
)

// validateGraph reports structural problems in a parsed action graph that
// the engine tolerates at run time but that almost always indicate an
// authoring mistake.
func validateGraph(def *schema.WorkflowDefinition, g *engine.Graph, result *schema.ValidationResult) {
	index := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		index[n.ID] = i
	}
	nodePath := func(id string) string { return fmt.Sprintf("nodes[%d]", index[id]) }

	if g.IsLinear() {
		if len(def.Nodes) > 0 {
			result.AddWarning("nodes", schema.ErrCodeValidation,
				"no trigger node: nodes are ignored and actions run in declaration order")
		}
		if len(def.Actions) == 0 {
			result.AddWarning("actions", schema.ErrCodeValidation, "workflow has no actions")
		}
		return
	}

	for i, a := range def.Actions {
		path := fmt.Sprintf("actions[%d].node_id", i)
		if a.NodeID == "" {
			result.AddWarning(path, schema.ErrCodeValidation, "action without node_id is ignored when the workflow has nodes")
			continue
		}
		n, ok := g.Nodes[a.NodeID]
		if !ok {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", a.NodeID))
		} else if n.Type != schema.NodeTypeAction {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("node %q is a %s node, not an action node", a.NodeID, n.Type))
		}
	}

	incoming := make(map[string]int, len(g.Nodes))
	for _, edges := range g.Out {
		for _, e := range edges {
			incoming[e.Target]++
		}
	}
	for _, id := range g.Triggers {
		if len(g.Out[id]) == 0 {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation, "trigger node has no outgoing connection")
		}
		if incoming[id] > 0 {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation, "trigger node has incoming connections")
		}
	}
	for id := range g.Waits {
		if len(g.Out[id]) == 0 {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation, "wait node has no successor and ends the run")
		}
	}
	for id := range g.Branches {
		if len(g.Out[id]) == 0 {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation, "branch node has no outgoing connection")
		}
	}

	reached := reachable(g)
	for _, id := range g.Order {
		if !reached[id] {
			result.AddWarning(nodePath(id), schema.ErrCodeValidation, "node is unreachable from any trigger node")
		}
	}

	if id, ok := findCycle(g); ok {
		result.AddWarning(nodePath(id), schema.ErrCodeValidation,
			"connections form a cycle; each node runs at most once per run segment")
	}
}

// reachable returns every node reachable from a trigger node, triggers included.
func reachable(g *engine.Graph) map[string]bool {
	seen := make(map[string]bool, len(g.Nodes))
	queue := append([]string(nil), g.Triggers...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, g.Next(id, "")...)
	}
	return seen
}

// findCycle returns a node on a cycle, visiting nodes in declaration order
// so the reported node is deterministic.
func findCycle(g *engine.Graph) (string, bool) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = grey
		for _, next := range g.Next(id, "") {
			switch color[next] {
			case grey:
				return next, true
			case white:
				if at, ok := visit(next); ok {
					return at, true
				}
			}
		}
		color[id] = black
		return "", false
	}

	for _, id := range g.Order {
		if color[id] == white {
			if at, ok := visit(id); ok {
				return at, true
			}
		}
	}
	return "", false
}

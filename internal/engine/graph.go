package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/crmflow/pkg/schema"
)

// Graph is the in-memory action graph of a workflow definition, built once
// per run and used by the engine to walk nodes breadth-first.
type Graph struct {
	Nodes    map[string]*schema.Node        // node ID → node
	Order    []string                       // node IDs in declaration order
	Out      map[string][]Edge              // node ID → outgoing edges in declaration order
	Triggers []string                       // trigger node IDs
	Actions  map[string]schema.ActionConfig // action node ID → config
	Branches map[string]schema.BranchConfig // branch node ID → config
	Waits    map[string]schema.WaitConfig   // wait node ID → config
	Linear   []schema.ActionConfig          // declared actions, used when there are no trigger nodes
}

// Edge is one outgoing connection. Output is "yes"/"no" for branch edges
// and empty otherwise.
type Edge struct {
	Target string
	Output string
}

// ParseGraph builds a Graph from def. It rejects definitions the engine
// cannot walk: duplicate or empty node IDs, dangling connections, node
// configs that do not decode, and branches with more than one edge per
// output. Cycles are allowed here; traversal guards against them.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.Node, len(def.Nodes)),
		Order:    make([]string, 0, len(def.Nodes)),
		Out:      make(map[string][]Edge, len(def.Nodes)),
		Actions:  make(map[string]schema.ActionConfig, len(def.Actions)),
		Branches: make(map[string]schema.BranchConfig),
		Waits:    make(map[string]schema.WaitConfig),
		Linear:   def.Actions,
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
		if n.Type == schema.NodeTypeTrigger {
			g.Triggers = append(g.Triggers, n.ID)
		}
	}

	for _, a := range def.Actions {
		if a.NodeID == "" {
			continue
		}
		if _, dup := g.Actions[a.NodeID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate action config for node %s", a.NodeID)
		}
		g.Actions[a.NodeID] = a
	}

	for _, id := range g.Order {
		if err := g.decodeConfig(g.Nodes[id]); err != nil {
			return nil, err
		}
	}

	for i, c := range def.Connections {
		if _, ok := g.Nodes[c.SourceNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection %d: unknown source node %q", i, c.SourceNodeID)
		}
		if _, ok := g.Nodes[c.TargetNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection %d: unknown target node %q", i, c.TargetNodeID)
		}
		g.Out[c.SourceNodeID] = append(g.Out[c.SourceNodeID], Edge{Target: c.TargetNodeID, Output: c.SourceOutput})
	}

	for id := range g.Branches {
		counts := map[string]int{}
		for _, e := range g.Out[id] {
			if e.Output != schema.OutputYes && e.Output != schema.OutputNo {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch %s has a connection without a yes/no output", id).WithNode(id)
			}
			counts[e.Output]++
		}
		for _, out := range []string{schema.OutputYes, schema.OutputNo} {
			if counts[out] > 1 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch %s has %d %q connections, at most one allowed", id, counts[out], out).WithNode(id)
			}
		}
	}

	return g, nil
}

func (g *Graph) decodeConfig(n *schema.Node) error {
	switch n.Type {
	case schema.NodeTypeAction:
		if _, ok := g.Actions[n.ID]; ok {
			return nil
		}
		if len(n.Config) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "action node %s has no action config", n.ID).WithNode(n.ID)
		}
		var cfg schema.ActionConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil {
			return invalidConfig(n, err)
		}
		cfg.NodeID = n.ID
		g.Actions[n.ID] = cfg
	case schema.NodeTypeBranch:
		var cfg schema.BranchConfig
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &cfg); err != nil {
				return invalidConfig(n, err)
			}
		}
		g.Branches[n.ID] = cfg
	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &cfg); err != nil {
				return invalidConfig(n, err)
			}
		}
		if cfg.Delay() < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "wait node %s has a negative duration", n.ID).WithNode(n.ID)
		}
		g.Waits[n.ID] = cfg
	}
	return nil
}

func invalidConfig(n *schema.Node, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has invalid config: %v", n.Type, n.ID, err).
		WithNode(n.ID).WithCause(err)
}

// IsLinear reports whether the definition has no trigger nodes, in which
// case the declared actions run in order.
func (g *Graph) IsLinear() bool { return len(g.Triggers) == 0 }

// StartNodes returns the successors of every trigger node, deduplicated, in
// declaration order.
func (g *Graph) StartNodes() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range g.Triggers {
		for _, e := range g.Out[t] {
			if !seen[e.Target] {
				seen[e.Target] = true
				out = append(out, e.Target)
			}
		}
	}
	return out
}

// Next returns the targets of id's outgoing edges. An empty output selects
// every edge; "yes" or "no" selects only that branch output.
func (g *Graph) Next(id, output string) []string {
	var out []string
	for _, e := range g.Out[id] {
		if output == "" || e.Output == output {
			out = append(out, e.Target)
		}
	}
	return out
}

// Action returns the action config bound to node id.
func (g *Graph) Action(id string) (schema.ActionConfig, bool) {
	cfg, ok := g.Actions[id]
	return cfg, ok
}

// String summarizes the graph for log lines.
func (g *Graph) String() string {
	edges := 0
	for _, es := range g.Out {
		edges += len(es)
	}
	return fmt.Sprintf("graph(nodes=%d edges=%d triggers=%d)", len(g.Nodes), edges, len(g.Triggers))
}

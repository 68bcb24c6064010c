// Package diagram renders a workflow's action graph as a Mermaid flowchart
// or a PNG image, optionally overlaid with the outcome of one execution.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTrigger    NodeKind = "trigger"
	NodeKindConditions NodeKind = "conditions"
	NodeKindAction     NodeKind = "action"
	NodeKindBranch     NodeKind = "branch"
	NodeKindWait       NodeKind = "wait"
	NodeKindEnd        NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one box in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of an action node in one execution.
type StatusOverlay struct {
	Status     string // schema.ActionStatus
	DurationMs int64
	Error      string
}

// Edge is a connection between two nodes. Branch edges are labelled yes/no.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/crmflow/pkg/schema"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
// Returns the PNG bytes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(imageLabel(node))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			continue
		}
		applyEdgeStyle(e, edge, model.Node(edge.From))
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindAction:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindBranch, NodeKindConditions:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindTrigger:
		gvNode.SetShape(cgraph.HouseShape)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
		if node.Status.Error != "" {
			gvNode.SetTooltip(node.Status.Error)
		}
	}
}

// imageLabel is the node's first label line, plus the run's duration for
// nodes with an outcome. Failed nodes carry the error as a tooltip.
func imageLabel(node *Node) string {
	label := firstLine(node.Label)
	if node.Status != nil {
		label += fmt.Sprintf("\n%s %dms", node.Status.Status, node.Status.DurationMs)
	}
	return label
}

// applyEdgeStyle labels branch outputs, colored yes/no, and dashes the edge
// leaving a wait node since it is crossed by a scheduled job.
func applyEdgeStyle(e *cgraph.Edge, edge Edge, from *Node) {
	switch edge.Label {
	case schema.OutputYes:
		e.SetLabel(edge.Label)
		e.SetColor("#2d6a2d")
	case schema.OutputNo:
		e.SetLabel(edge.Label)
		e.SetColor("#8b1a1a")
	case "":
	default:
		e.SetLabel(edge.Label)
	}
	if from != nil && from.Kind == NodeKindWait {
		e.SetStyle(cgraph.DashedEdgeStyle)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch schema.ActionStatus(status) {
	case schema.ActionSucceeded:
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case schema.ActionFailed:
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	}
}

package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/pkg/schema"
)

func node(id string, typ schema.NodeType, cfg any) schema.Node {
	n := schema.Node{ID: id, Type: typ}
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		n.Config = b
	}
	return n
}

func edge(from, to string, output ...string) schema.Connection {
	c := schema.Connection{SourceNodeID: from, TargetNodeID: to}
	if len(output) > 0 {
		c.SourceOutput = output[0]
	}
	return c
}

func TestParseGraph_Shape(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			node("t1", schema.NodeTypeTrigger, nil),
			node("t2", schema.NodeTypeTrigger, nil),
			node("b", schema.NodeTypeBranch, schema.BranchConfig{}),
			node("yes", schema.NodeTypeAction, schema.ActionConfig{ActionType: "stub"}),
			node("no", schema.NodeTypeAction, nil),
			node("w", schema.NodeTypeWait, schema.WaitConfig{Hours: 2}),
		},
		Connections: []schema.Connection{
			edge("t1", "b"),
			edge("t2", "b"),
			edge("t2", "w"),
			edge("b", "yes", schema.OutputYes),
			edge("b", "no", schema.OutputNo),
		},
		Actions: []schema.ActionConfig{{NodeID: "no", ActionType: "stub", ContinueOnError: true}},
	}

	g, err := ParseGraph(def)
	require.NoError(t, err)
	assert.False(t, g.IsLinear())
	assert.Equal(t, []string{"t1", "t2"}, g.Triggers)
	assert.Equal(t, []string{"b", "w"}, g.StartNodes(), "deduplicated, declaration order")
	assert.Equal(t, []string{"yes"}, g.Next("b", schema.OutputYes))
	assert.Equal(t, []string{"no"}, g.Next("b", schema.OutputNo))
	assert.Equal(t, []string{"yes", "no"}, g.Next("b", ""))
	assert.Empty(t, g.Next("yes", ""))

	inline, ok := g.Action("yes")
	require.True(t, ok)
	assert.Equal(t, "yes", inline.NodeID, "inline action config is bound to its node")
	declared, ok := g.Action("no")
	require.True(t, ok)
	assert.True(t, declared.ContinueOnError)

	assert.Equal(t, 2*60*60, int(g.Waits["w"].Delay().Seconds()))
	assert.Contains(t, g.String(), "nodes=6")
}

func TestParseGraph_Linear(t *testing.T) {
	g, err := ParseGraph(&schema.WorkflowDefinition{
		Actions: []schema.ActionConfig{{ActionType: "a"}, {ActionType: "b"}},
	})
	require.NoError(t, err)
	assert.True(t, g.IsLinear())
	assert.Len(t, g.Linear, 2)
	assert.Empty(t, g.StartNodes())
}

func TestParseGraph_Rejects(t *testing.T) {
	cases := []struct {
		name string
		def  schema.WorkflowDefinition
		msg  string
	}{
		{
			name: "empty id",
			def:  schema.WorkflowDefinition{Nodes: []schema.Node{{Type: schema.NodeTypeTrigger}}},
			msg:  "empty id",
		},
		{
			name: "duplicate id",
			def: schema.WorkflowDefinition{Nodes: []schema.Node{
				node("a", schema.NodeTypeTrigger, nil), node("a", schema.NodeTypeCondition, nil),
			}},
			msg: "duplicate node id",
		},
		{
			name: "dangling target",
			def: schema.WorkflowDefinition{
				Nodes:       []schema.Node{node("a", schema.NodeTypeTrigger, nil)},
				Connections: []schema.Connection{edge("a", "ghost")},
			},
			msg: "unknown target",
		},
		{
			name: "action without config",
			def:  schema.WorkflowDefinition{Nodes: []schema.Node{node("a", schema.NodeTypeAction, nil)}},
			msg:  "no action config",
		},
		{
			name: "bad wait config",
			def: schema.WorkflowDefinition{Nodes: []schema.Node{
				{ID: "w", Type: schema.NodeTypeWait, Config: json.RawMessage(`{"days":"two"}`)},
			}},
			msg: "invalid config",
		},
		{
			name: "negative wait",
			def: schema.WorkflowDefinition{Nodes: []schema.Node{
				node("w", schema.NodeTypeWait, schema.WaitConfig{Days: -1}),
			}},
			msg: "negative",
		},
		{
			name: "two yes edges",
			def: schema.WorkflowDefinition{
				Nodes: []schema.Node{
					node("b", schema.NodeTypeBranch, nil),
					node("x", schema.NodeTypeCondition, nil),
					node("y", schema.NodeTypeCondition, nil),
				},
				Connections: []schema.Connection{edge("b", "x", "yes"), edge("b", "y", "yes")},
			},
			msg: "at most one",
		},
		{
			name: "branch edge without output",
			def: schema.WorkflowDefinition{
				Nodes:       []schema.Node{node("b", schema.NodeTypeBranch, nil), node("x", schema.NodeTypeCondition, nil)},
				Connections: []schema.Connection{edge("b", "x")},
			},
			msg: "yes/no output",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGraph(&tc.def)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}

	_, err := ParseGraph(nil)
	assert.Error(t, err)
}

package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% Won deal follow-up")
	assert.Contains(t, output, `__trigger__>"FieldChanged Stage"]`)
	assert.Contains(t, output, `__conditions__{"Stage equals Won AND Amount gt 1000 OR Owner is_null"}`)
	assert.Contains(t, output, `notify["notify<br/>(send_notification)"]`)
	assert.Contains(t, output, `__end__(("End"))`)
	assert.Contains(t, output, "notify --> action_2")
	assert.Contains(t, output, "classDef succeeded")
	assert.NotContains(t, output, "class notify")
}

func TestRenderMermaidGraph(t *testing.T) {
	model, err := Build(graphWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "big -->|yes| notify")
	assert.Contains(t, output, "big -->|no| pause")
	assert.Contains(t, output, `pause(["pause<br/>wait 48h0m0s"])`)
}

func TestRenderMermaidStatus(t *testing.T) {
	log := &store.ExecutionLog{ActionLogs: []*store.ActionLog{
		{ActionNodeID: "notify", Order: 1, Status: schema.ActionSucceeded},
		{ActionNodeID: "task", Order: 2, Status: schema.ActionFailed},
	}}
	model, err := Build(graphWorkflow(), log)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class notify succeeded")
	assert.Contains(t, output, "class task failed")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "send_email_1", mermaidSafeID("send-email.1"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "Title #quot;x#quot;<br/>line", mermaidEscapeLabel("Title \"x\"\nline"))
}

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/apperr"
)

func graphNodes() []Node {
	return []Node{
		{ID: "trigger", Type: "cron-trigger", Category: CategoryTrigger},
		{ID: "agent", Type: "chat-agent", Category: CategoryAgent},
		{ID: "tool", Type: "search-tool", Category: CategoryTool},
		{ID: "responder", Type: "chat-responder", Category: CategoryResponder},
	}
}

func TestBuildConnectionMapInitializesEveryNode(t *testing.T) {
	cm := BuildConnectionMap(graphNodes(), nil)

	require.Len(t, cm, 4)
	for id, conn := range cm {
		assert.NotNil(t, conn.PreviousNodeIDs, id)
		assert.NotNil(t, conn.NextNodeIDs, id)
		assert.NotNil(t, conn.ToolNodeIDs, id)
	}
}

func TestBuildConnectionMapSymmetricEdges(t *testing.T) {
	edges := []Edge{
		{Source: "trigger", Target: "agent"},
		{Source: "agent", Target: "responder"},
	}
	cm := BuildConnectionMap(graphNodes(), edges)

	assert.Equal(t, []string{"agent"}, cm["trigger"].NextNodeIDs)
	assert.Equal(t, []string{"trigger"}, cm["agent"].PreviousNodeIDs)
	assert.Equal(t, []string{"responder"}, cm["agent"].NextNodeIDs)
	assert.Equal(t, []string{"agent"}, cm["responder"].PreviousNodeIDs)
}

func TestBuildConnectionMapToolEdgesAreAttachmentsOnly(t *testing.T) {
	// Both edge orientations attach the tool to the agent; neither produces
	// control flow.
	for _, edges := range [][]Edge{
		{{Source: "tool", Target: "agent"}},
		{{Source: "agent", Target: "tool"}},
	} {
		cm := BuildConnectionMap(graphNodes(), edges)

		assert.Equal(t, []string{"tool"}, cm["agent"].ToolNodeIDs)
		assert.Empty(t, cm["agent"].NextNodeIDs)
		assert.Empty(t, cm["agent"].PreviousNodeIDs)
		assert.Empty(t, cm["tool"].NextNodeIDs)
		assert.Empty(t, cm["tool"].PreviousNodeIDs)
	}
}

func TestBuildConnectionMapIgnoresUnknownEndpoints(t *testing.T) {
	edges := []Edge{
		{Source: "ghost", Target: "agent"},
		{Source: "trigger", Target: "phantom"},
	}
	cm := BuildConnectionMap(graphNodes(), edges)

	assert.Empty(t, cm["agent"].PreviousNodeIDs)
	assert.Empty(t, cm["trigger"].NextNodeIDs)
	assert.NotContains(t, cm, "ghost")
}

func TestTriggerNodesRequiresATrigger(t *testing.T) {
	nodes := []Node{{ID: "a", Type: "x", Category: CategoryAction}}

	_, err := TriggerNodes("w1", nodes, nil)
	require.NotNil(t, err)
	assert.Equal(t, apperr.InternalServerError, err.Type)
}

func TestTriggerNodesRejectsTriggerAsTarget(t *testing.T) {
	edges := []Edge{{Source: "agent", Target: "trigger"}}

	_, err := TriggerNodes("w1", graphNodes(), edges)
	require.NotNil(t, err)
	assert.Equal(t, apperr.InternalServerError, err.Type)
}

func TestTriggerNodesReturnsAllTriggers(t *testing.T) {
	nodes := append(graphNodes(), Node{ID: "trigger2", Type: "webhook-trigger", Category: CategoryTrigger})

	triggers, err := TriggerNodes("w1", nodes, nil)
	require.Nil(t, err)
	assert.Len(t, triggers, 2)
}

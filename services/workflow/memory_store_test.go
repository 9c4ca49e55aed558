package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AddNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	node, err := store.AddNode(ctx, NewNode{Type: "textNode", Config: map[string]any{"text": "hi"}})

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(node.ID, "textNode-"))
	assert.Equal(t, "textNode", node.Data.Label)
	assert.Equal(t, StatusIdle, node.Data.Status)
	assert.Equal(t, &TextConfig{Text: "hi"}, node.Data.Config)

	_, err = store.AddNode(ctx, NewNode{ID: node.ID, Type: "textNode"})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = store.AddNode(ctx, NewNode{Type: "webhookNode"})
	assert.ErrorIs(t, err, ErrUnknownNodeType)
}

func TestMemoryStore_Connect(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A"), textNode("B")}, nil)

	e, err := store.Connect(ctx, Edge{Source: "A", Target: "B", TargetHandle: "in"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(e.ID, "e-"))

	_, err = store.Connect(ctx, Edge{Source: "A", Target: "B", TargetHandle: "in"})
	assert.ErrorIs(t, err, ErrDuplicateEdge)

	_, err = store.Connect(ctx, Edge{Source: "A", Target: "B", TargetHandle: "other"})
	assert.NoError(t, err)

	_, err = store.Connect(ctx, Edge{Source: "B", Target: "A"})
	assert.ErrorIs(t, err, ErrInvalidConnection)

	_, err = store.Connect(ctx, Edge{Source: "A", Target: "A"})
	assert.ErrorIs(t, err, ErrInvalidConnection)

	_, err = store.Connect(ctx, Edge{Source: "A", Target: "ghost"})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	edges, err := store.Edges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestMemoryStore_DeleteNodeCascadesEdges(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t,
		[]Node{textNode("A"), textNode("B"), textNode("C")},
		[]Edge{edge("A", "B"), edge("B", "C"), edge("A", "C")},
	)

	require.NoError(t, store.DeleteNode(ctx, "B"))

	nodes, _ := store.Nodes(ctx)
	edges, _ := store.Edges(ctx)
	assert.Len(t, nodes, 2)
	assert.Equal(t, []Edge{edge("A", "C")}, edges)

	assert.ErrorIs(t, store.DeleteNode(ctx, "B"), ErrNodeNotFound)
}

func TestMemoryStore_RemoveEdge(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A"), textNode("B")}, []Edge{edge("A", "B")})

	require.NoError(t, store.RemoveEdge(ctx, "A->B"))
	assert.ErrorIs(t, store.RemoveEdge(ctx, "A->B"), ErrEdgeNotFound)
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A"), textNode("B")}, []Edge{edge("A", "B")})

	nodes, edges, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, []Edge{edge("A", "B")}, edges)

	// The snapshot is a copy.
	require.NoError(t, store.DeleteNode(ctx, "A"))
	assert.Len(t, nodes, 2)
	assert.Len(t, edges, 1)
}

func TestMemoryStore_IsHandleConnected(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A"), textNode("B")}, []Edge{edge("A", "B")})

	connected, err := store.IsHandleConnected(ctx, "B", "in")
	require.NoError(t, err)
	assert.True(t, connected)

	connected, err = store.IsHandleConnected(ctx, "B", "images")
	require.NoError(t, err)
	assert.False(t, connected)

	connected, err = store.IsHandleConnected(ctx, "A", "in")
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestMemoryStore_UpdateNodeConfig(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A")}, nil)

	node, err := store.UpdateNodeConfig(ctx, "A", map[string]any{"text": "changed"})
	require.NoError(t, err)
	assert.Equal(t, &TextConfig{Text: "changed"}, node.Data.Config)
	assert.Equal(t, &TextConfig{Text: "changed"}, nodeByID(t, store, "A").Data.Config)

	_, err = store.UpdateNodeConfig(ctx, "ghost", nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestMemoryStore_SetWorkflowRejectsBadGraphs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.SetWorkflow(ctx, []Node{textNode("A"), textNode("A")}, nil)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	err = store.SetWorkflow(ctx, []Node{textNode("A")}, []Edge{edge("A", "B")})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	err = store.SetWorkflow(ctx, []Node{textNode("A"), textNode("B")}, []Edge{edge("A", "B"), edge("B", "A")})
	assert.ErrorIs(t, err, ErrInvalidConnection)

	nodes, _ := store.Nodes(ctx)
	assert.Empty(t, nodes)
}

func TestMemoryStore_StatusesAndHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestGraph(t, []Node{textNode("A"), textNode("B")}, nil)

	require.NoError(t, store.SetNodeStatus(ctx, "A", StatusSuccess, "out", ""))
	require.NoError(t, store.SetNodeStatus(ctx, "B", StatusFailed, nil, "bad"))
	assert.ErrorIs(t, store.SetNodeStatus(ctx, "ghost", StatusRunning, nil, ""), ErrNodeNotFound)

	require.NoError(t, store.ClearStatuses(ctx, []string{"B"}))
	assert.Equal(t, StatusSuccess, nodeByID(t, store, "A").Data.Status)
	b := nodeByID(t, store, "B")
	assert.Equal(t, StatusIdle, b.Data.Status)
	assert.Empty(t, b.Data.Error)

	require.NoError(t, store.AppendRunHistory(ctx, &WorkflowRun{ID: "r1"}))
	require.NoError(t, store.AppendRunHistory(ctx, &WorkflowRun{ID: "r2"}))
	history, _ := store.History(ctx)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[0].ID)

	require.NoError(t, store.ClearHistory(ctx))
	history, _ = store.History(ctx)
	assert.Empty(t, history)
	a := nodeByID(t, store, "A")
	assert.Equal(t, StatusIdle, a.Data.Status)
	assert.Nil(t, a.Data.Output)
}

func TestMemoryProvider_OpenCreatesOnce(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()

	first, err := provider.Open(ctx, "wf", false)
	require.NoError(t, err)
	second, err := provider.Open(ctx, "wf", false)
	require.NoError(t, err)
	other, err := provider.Open(ctx, "other", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

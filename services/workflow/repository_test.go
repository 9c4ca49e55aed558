package workflow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

// newTestStore opens a fresh workflow row that is removed after the test.
func newTestStore(t *testing.T) (*Repository, Store) {
	t.Helper()
	pool := getTestPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	id := uuid.NewString()
	store, err := repo.Open(ctx, id, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM workflows WHERE id = $1`, id)
	})
	return repo, store
}

func TestRepository_InitSchema(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	err := repo.InitSchema(context.Background())
	require.NoError(t, err)

	// Running again should be idempotent
	err = repo.InitSchema(context.Background())
	require.NoError(t, err)
}

func TestRepository_Seed_Idempotent(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	require.NoError(t, repo.Seed(ctx))
	require.NoError(t, repo.Seed(ctx)) // Second call should not error
}

func TestRepository_SampleWorkflow(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, InitDB(ctx, pool))

	store, err := repo.Open(ctx, SampleWorkflowID, false)
	require.NoError(t, err)

	nodes, edges, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 8)
	assert.Len(t, edges, 8)
	assert.False(t, DetectCycle(edges))

	var crop *CropImageConfig
	for _, n := range nodes {
		if n.ID == "crop" {
			crop, _ = n.Data.Config.(*CropImageConfig)
		}
	}
	require.NotNil(t, crop, "crop node should decode to its typed config")
	assert.Equal(t, 80.0, crop.WidthPercent)
}

func TestRepository_Open_NotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	_, err := repo.Open(ctx, "00000000-0000-0000-0000-000000000000", false)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestPostgresStore_EditGraph(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	a, err := store.AddNode(ctx, NewNode{ID: "a", Type: "textNode", Config: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	_, err = store.AddNode(ctx, NewNode{ID: "b", Type: "runLLMNode"})
	require.NoError(t, err)

	e, err := store.Connect(ctx, Edge{Source: "a", Target: "b", TargetHandle: "user_message"})
	require.NoError(t, err)
	_, err = store.Connect(ctx, Edge{Source: "b", Target: "a"})
	assert.ErrorIs(t, err, ErrInvalidConnection)

	connected, err := store.IsHandleConnected(ctx, "b", "user_message")
	require.NoError(t, err)
	assert.True(t, connected)

	updated, err := store.UpdateNodeConfig(ctx, "a", map[string]any{"text": "bye"})
	require.NoError(t, err)
	assert.Equal(t, &TextConfig{Text: "bye"}, updated.Data.Config)

	nodes, edges, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Len(t, edges, 1)
	assert.Equal(t, a.ID, nodes[0].ID)
	assert.Equal(t, &TextConfig{Text: "bye"}, nodes[0].Data.Config)

	require.NoError(t, store.RemoveEdge(ctx, e.ID))
	assert.ErrorIs(t, store.RemoveEdge(ctx, e.ID), ErrEdgeNotFound)

	require.NoError(t, store.DeleteNode(ctx, "a"))
	nodes, err = store.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPostgresStore_SchedulerRun(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWorkflow(ctx,
		[]Node{textNode("A"), textNode("B"), textNode("C")},
		[]Edge{edge("A", "C"), edge("B", "C")},
	))

	sched := NewScheduler(store, NewRegistry(EchoModelClient{}))
	run, err := sched.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, run.Status)

	nodes, err := store.Nodes(ctx)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, StatusSuccess, n.Data.Status, n.ID)
		assert.Equal(t, "text of "+n.ID, n.Data.Output)
	}

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, run.ID, history[0].ID)
	assert.Equal(t, RunScopeFull, history[0].Scope)
	assert.Len(t, history[0].NodeResults, 3)
	assert.WithinDuration(t, run.StartedAt, history[0].StartedAt, time.Millisecond)

	require.NoError(t, store.ClearHistory(ctx))
	history, err = store.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
	nodes, err = store.Nodes(ctx)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, StatusIdle, n.Data.Status, n.ID)
	}
}

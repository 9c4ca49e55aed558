package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-graph/api/pkg/xjson"
)

// Repository handles workflow persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflow tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id           UUID PRIMARY KEY,
			workflow_id  UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			started_at   TIMESTAMPTZ NOT NULL,
			duration_ms  BIGINT NOT NULL,
			status       TEXT NOT NULL,
			scope        TEXT NOT NULL,
			node_ids     JSONB,
			node_results JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS workflow_runs_workflow_started
			ON workflow_runs (workflow_id, started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample media workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := xjson.Marshal(sampleNodes())
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := xjson.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, nodes, edges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, SampleWorkflowID, "Product Marketing Kit", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Open returns the store for workflow id. With create set, a missing workflow
// is created empty; otherwise ErrWorkflowNotFound is returned.
func (r *Repository) Open(ctx context.Context, id string, create bool) (Store, error) {
	if create {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO workflows (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
		`, id); err != nil {
			return nil, fmt.Errorf("create workflow: %w", err)
		}
	} else {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check workflow: %w", err)
		}
		if !exists {
			return nil, ErrWorkflowNotFound
		}
	}
	return &PostgresStore{db: r.db, workflowID: id}, nil
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

// PostgresStore is the Store for a single workflow row. Graph mutations lock
// the row, so concurrent status updates from one round do not overwrite each
// other.
type PostgresStore struct {
	db         *pgxpool.Pool
	workflowID string
}

type graph struct {
	nodes []Node
	edges []Edge
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) load(ctx context.Context, q querier, forUpdate bool) (*graph, error) {
	query := `SELECT nodes, edges FROM workflows WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var nodesJSON, edgesJSON []byte
	err := q.QueryRow(ctx, query, s.workflowID).Scan(&nodesJSON, &edgesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	g := &graph{}
	if err := xjson.Unmarshal(nodesJSON, &g.nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := xjson.Unmarshal(edgesJSON, &g.edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return g, nil
}

// mutate applies fn to the locked graph and writes it back in one transaction.
func (s *PostgresStore) mutate(ctx context.Context, fn func(tx pgx.Tx, g *graph) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		g, err := s.load(ctx, tx, true)
		if err != nil {
			return err
		}
		if err := fn(tx, g); err != nil {
			return err
		}

		nodesJSON, err := xjson.Marshal(nonNil(g.nodes))
		if err != nil {
			return fmt.Errorf("marshal nodes: %w", err)
		}
		edgesJSON, err := xjson.Marshal(nonNil(g.edges))
		if err != nil {
			return fmt.Errorf("marshal edges: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE workflows SET nodes = $2, edges = $3, updated_at = NOW() WHERE id = $1
		`, s.workflowID, nodesJSON, edgesJSON); err != nil {
			return fmt.Errorf("save graph: %w", err)
		}
		return nil
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *PostgresStore) Nodes(ctx context.Context) ([]Node, error) {
	g, err := s.load(ctx, s.db, false)
	if err != nil {
		return nil, err
	}
	return g.nodes, nil
}

func (s *PostgresStore) Edges(ctx context.Context) ([]Edge, error) {
	g, err := s.load(ctx, s.db, false)
	if err != nil {
		return nil, err
	}
	return g.edges, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) ([]Node, []Edge, error) {
	g, err := s.load(ctx, s.db, false)
	if err != nil {
		return nil, nil, err
	}
	return g.nodes, g.edges, nil
}

func (s *PostgresStore) SetNodeStatus(ctx context.Context, id string, status Status, output any, errMsg string) error {
	return s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		i := slices.IndexFunc(g.nodes, func(n Node) bool { return n.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		setStatus(&g.nodes[i], status, output, errMsg)
		return nil
	})
}

func (s *PostgresStore) ClearStatuses(ctx context.Context, ids []string) error {
	return s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		for i := range g.nodes {
			if slices.Contains(ids, g.nodes[i].ID) {
				setStatus(&g.nodes[i], StatusIdle, nil, "")
			}
		}
		return nil
	})
}

func (s *PostgresStore) AppendRunHistory(ctx context.Context, run *WorkflowRun) error {
	var nodeIDsJSON []byte
	if run.NodeIDs != nil {
		var err error
		if nodeIDsJSON, err = xjson.Marshal(run.NodeIDs); err != nil {
			return fmt.Errorf("marshal node ids: %w", err)
		}
	}
	resultsJSON, err := xjson.Marshal(run.NodeResults)
	if err != nil {
		return fmt.Errorf("marshal node results: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, started_at, duration_ms, status, scope, node_ids, node_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, s.workflowID, run.StartedAt, run.Duration, string(run.Status), string(run.Scope), nodeIDsJSON, resultsJSON)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context) ([]*WorkflowRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, started_at, duration_ms, status, scope, node_ids, node_results
		FROM workflow_runs WHERE workflow_id = $1
		ORDER BY started_at DESC, id DESC
	`, s.workflowID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var history []*WorkflowRun
	for rows.Next() {
		var (
			run                      WorkflowRun
			status, scope            string
			nodeIDsJSON, resultsJSON []byte
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.Duration, &status, &scope, &nodeIDsJSON, &resultsJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = RunStatus(status)
		run.Scope = RunScope(scope)
		if len(nodeIDsJSON) > 0 {
			if err := xjson.Unmarshal(nodeIDsJSON, &run.NodeIDs); err != nil {
				return nil, fmt.Errorf("unmarshal node ids: %w", err)
			}
		}
		if err := xjson.Unmarshal(resultsJSON, &run.NodeResults); err != nil {
			return nil, fmt.Errorf("unmarshal node results: %w", err)
		}
		history = append(history, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return history, nil
}

func (s *PostgresStore) ClearHistory(ctx context.Context) error {
	return s.mutate(ctx, func(tx pgx.Tx, g *graph) error {
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_runs WHERE workflow_id = $1`, s.workflowID); err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		for i := range g.nodes {
			setStatus(&g.nodes[i], StatusIdle, nil, "")
		}
		return nil
	})
}

func (s *PostgresStore) AddNode(ctx context.Context, req NewNode) (Node, error) {
	node, err := buildNode(req)
	if err != nil {
		return Node{}, err
	}
	err = s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		if slices.ContainsFunc(g.nodes, func(n Node) bool { return n.ID == node.ID }) {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
		}
		g.nodes = append(g.nodes, node)
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

func (s *PostgresStore) UpdateNodeConfig(ctx context.Context, id string, patch map[string]any) (Node, error) {
	var updated Node
	err := s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		i := slices.IndexFunc(g.nodes, func(n Node) bool { return n.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		cfg, err := MergeConfig(g.nodes[i].Data.Config, patch)
		if err != nil {
			return err
		}
		g.nodes[i].Data.Config = cfg
		updated = g.nodes[i]
		return nil
	})
	return updated, err
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	return s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		i := slices.IndexFunc(g.nodes, func(n Node) bool { return n.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		g.nodes = slices.Delete(g.nodes, i, i+1)
		g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool {
			return e.Source == id || e.Target == id
		})
		return nil
	})
}

func (s *PostgresStore) Connect(ctx context.Context, edge Edge) (Edge, error) {
	var added Edge
	err := s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		e, err := checkConnection(g.nodes, g.edges, edge)
		if err != nil {
			return err
		}
		g.edges = append(g.edges, e)
		added = e
		return nil
	})
	return added, err
}

func (s *PostgresStore) RemoveEdge(ctx context.Context, id string) error {
	return s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		i := slices.IndexFunc(g.edges, func(e Edge) bool { return e.ID == id })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
		}
		g.edges = slices.Delete(g.edges, i, i+1)
		return nil
	})
}

func (s *PostgresStore) IsHandleConnected(ctx context.Context, nodeID, handle string) (bool, error) {
	edges, err := s.Edges(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(edges, func(e Edge) bool {
		return e.Target == nodeID && e.TargetHandle == handle
	}), nil
}

func (s *PostgresStore) SetWorkflow(ctx context.Context, nodes []Node, edges []Edge) error {
	if err := checkGraph(nodes, edges); err != nil {
		return err
	}
	return s.mutate(ctx, func(_ pgx.Tx, g *graph) error {
		g.nodes = nodes
		g.edges = edges
		return nil
	})
}

// SampleWorkflowID identifies the seeded sample workflow.
const SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

func sampleNodes() []Node {
	node := func(id string, t NodeType, label string, x, y float64, raw map[string]any) Node {
		cfg, err := DecodeConfig(t, raw)
		if err != nil {
			panic(fmt.Sprintf("sample node %s: %v", id, err))
		}
		return Node{
			ID: id, Type: t,
			Position: Position{X: x, Y: y},
			Data:     NodeData{Label: label, Status: StatusIdle, Config: cfg},
		}
	}

	return []Node{
		node("upload-image", NodeTypeUploadImage, "Product Photo", 50, 50, map[string]any{
			"url": "https://images.unsplash.com/photo-1523275335684-37898b6baf30",
		}),
		node("crop", NodeTypeCropImage, "Crop Product", 400, 50, map[string]any{
			"x_percent": 10, "y_percent": 10, "width_percent": 80, "height_percent": 80,
		}),
		node("system-prompt", NodeTypeText, "System Prompt", 50, 350, map[string]any{
			"text": "You are a professional marketing copywriter.",
		}),
		node("product-details", NodeTypeText, "Product Details", 50, 550, map[string]any{
			"text": "Minimalist wrist watch, white dial, leather strap.",
		}),
		node("describe", NodeTypeRunModel, "Write Description", 750, 300, map[string]any{
			"model": DefaultModel,
		}),
		node("upload-video", NodeTypeUploadVideo, "Product Video", 50, 800, map[string]any{
			"url": "https://storage.googleapis.com/gtv-videos-bucket/sample/ForBiggerBlazes.mp4",
		}),
		node("frame", NodeTypeExtractFrame, "Key Frame", 400, 800, map[string]any{
			"timestamp": "50%",
		}),
		node("social-post", NodeTypeRunModel, "Write Social Post", 1100, 500, map[string]any{
			"model":        DefaultModel,
			"systemPrompt": "Write a short, upbeat social media post.",
		}),
	}
}

var sampleEdges = []Edge{
	{ID: "e1", Source: "upload-image", Target: "crop", TargetHandle: "image"},
	{ID: "e2", Source: "system-prompt", Target: "describe", TargetHandle: "system_prompt"},
	{ID: "e3", Source: "product-details", Target: "describe", TargetHandle: "user_message"},
	{ID: "e4", Source: "crop", Target: "describe", TargetHandle: "images"},
	{ID: "e5", Source: "upload-video", Target: "frame", TargetHandle: "video_url"},
	{ID: "e6", Source: "describe", Target: "social-post", TargetHandle: "user_message"},
	{ID: "e7", Source: "crop", Target: "social-post", TargetHandle: "images"},
	{ID: "e8", Source: "frame", Target: "social-post", TargetHandle: "images"},
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrEdgeNotFound      = errors.New("edge not found")
	ErrDuplicateNode     = errors.New("node already exists")
	ErrDuplicateEdge     = errors.New("edge already exists")
	ErrInvalidConnection = errors.New("connection would create a cycle")
	ErrUnknownNodeType   = errors.New("unknown node type")
)

// GraphStore is what the scheduler needs from the graph: a snapshot to run
// and a place to publish status changes and finished runs.
type GraphStore interface {
	Nodes(ctx context.Context) ([]Node, error)
	Edges(ctx context.Context) ([]Edge, error)
	// Snapshot returns nodes and edges read together, so they always agree.
	Snapshot(ctx context.Context) ([]Node, []Edge, error)
	SetNodeStatus(ctx context.Context, id string, status Status, output any, errMsg string) error
	// ClearStatuses resets the given nodes to idle and drops their output and
	// error. Other nodes are untouched.
	ClearStatuses(ctx context.Context, ids []string) error
	AppendRunHistory(ctx context.Context, run *WorkflowRun) error
}

// Store is a GraphStore that can also be edited.
type Store interface {
	GraphStore

	AddNode(ctx context.Context, req NewNode) (Node, error)
	UpdateNodeConfig(ctx context.Context, id string, patch map[string]any) (Node, error)
	// DeleteNode removes the node and every edge touching it.
	DeleteNode(ctx context.Context, id string) error
	Connect(ctx context.Context, edge Edge) (Edge, error)
	RemoveEdge(ctx context.Context, id string) error
	IsHandleConnected(ctx context.Context, nodeID, handle string) (bool, error)
	// SetWorkflow replaces the whole graph. History is kept.
	SetWorkflow(ctx context.Context, nodes []Node, edges []Edge) error
	// History returns past runs, most recent first.
	History(ctx context.Context) ([]*WorkflowRun, error)
	// ClearHistory drops all runs and resets every node to idle.
	ClearHistory(ctx context.Context) error
}

// NewNode is a request to add a node to the graph.
type NewNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Label    string         `json:"label"`
	Config   map[string]any `json:"config"`
}

// buildNode turns a request into an idle node, generating an id when none
// was given.
func buildNode(req NewNode) (Node, error) {
	nodeType, err := ParseNodeType(req.Type)
	if err != nil {
		return Node{}, err
	}
	cfg, err := DecodeConfig(nodeType, req.Config)
	if err != nil {
		return Node{}, err
	}

	id := req.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", nodeType, uuid.NewString())
	}
	label := req.Label
	if label == "" {
		label = string(nodeType)
	}

	return Node{
		ID:       id,
		Type:     nodeType,
		Position: req.Position,
		Data:     NodeData{Label: label, Status: StatusIdle, Config: cfg},
	}, nil
}

// checkConnection validates edge against the current graph: both endpoints
// must exist, the exact (source, target, targetHandle) must not be present
// yet, and the graph must stay acyclic. It fills in a missing edge id.
func checkConnection(nodes []Node, edges []Edge, edge Edge) (Edge, error) {
	for _, id := range []string{edge.Source, edge.Target} {
		if !slices.ContainsFunc(nodes, func(n Node) bool { return n.ID == id }) {
			return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	for _, e := range edges {
		if e.Source == edge.Source && e.Target == edge.Target && e.TargetHandle == edge.TargetHandle {
			return Edge{}, ErrDuplicateEdge
		}
		if edge.ID != "" && e.ID == edge.ID {
			return Edge{}, fmt.Errorf("%w: id %s", ErrDuplicateEdge, edge.ID)
		}
	}
	if !IsValidConnection(edges, edge.Source, edge.Target) {
		return Edge{}, ErrInvalidConnection
	}
	if edge.ID == "" {
		edge.ID = "e-" + uuid.NewString()
	}
	return edge, nil
}

// checkGraph validates a full replacement graph.
func checkGraph(nodes []Node, edges []Edge) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range edges {
		if !seen[e.Source] || !seen[e.Target] {
			return fmt.Errorf("%w: edge %s references a missing node", ErrNodeNotFound, e.ID)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: edge %s is a self-loop", ErrInvalidConnection, e.ID)
		}
	}
	if DetectCycle(edges) {
		return ErrInvalidConnection
	}
	return nil
}

func setStatus(n *Node, status Status, output any, errMsg string) {
	n.Data.Status = status
	n.Data.Output = output
	n.Data.Error = errMsg
}

package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore keeps one graph and its history in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   []Node
	edges   []Edge
	history []*WorkflowRun
}

// NewMemoryStore creates an empty graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Nodes(_ context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes), nil
}

func (s *MemoryStore) Edges(_ context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.edges), nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]Node, []Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes), slices.Clone(s.edges), nil
}

func (s *MemoryStore) SetNodeStatus(_ context.Context, id string, status Status, output any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	setStatus(&s.nodes[i], status, output, errMsg)
	return nil
}

func (s *MemoryStore) ClearStatuses(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.nodes {
		if slices.Contains(ids, s.nodes[i].ID) {
			setStatus(&s.nodes[i], StatusIdle, nil, "")
		}
	}
	return nil
}

func (s *MemoryStore) AppendRunHistory(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]*WorkflowRun{run}, s.history...)
	return nil
}

func (s *MemoryStore) History(_ context.Context) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history), nil
}

func (s *MemoryStore) ClearHistory(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	for i := range s.nodes {
		setStatus(&s.nodes[i], StatusIdle, nil, "")
	}
	return nil
}

func (s *MemoryStore) AddNode(_ context.Context, req NewNode) (Node, error) {
	node, err := buildNode(req)
	if err != nil {
		return Node{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(node.ID) >= 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	s.nodes = append(s.nodes, node)
	return node, nil
}

func (s *MemoryStore) UpdateNodeConfig(_ context.Context, id string, patch map[string]any) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	cfg, err := MergeConfig(s.nodes[i].Data.Config, patch)
	if err != nil {
		return Node{}, err
	}
	s.nodes[i].Data.Config = cfg
	return s.nodes[i], nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	s.nodes = slices.Delete(s.nodes, i, i+1)
	s.edges = slices.DeleteFunc(s.edges, func(e Edge) bool {
		return e.Source == id || e.Target == id
	})
	return nil
}

func (s *MemoryStore) Connect(_ context.Context, edge Edge) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, err := checkConnection(s.nodes, s.edges, edge)
	if err != nil {
		return Edge{}, err
	}
	s.edges = append(s.edges, edge)
	return edge, nil
}

func (s *MemoryStore) RemoveEdge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.edges, func(e Edge) bool { return e.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	s.edges = slices.Delete(s.edges, i, i+1)
	return nil
}

func (s *MemoryStore) IsHandleConnected(_ context.Context, nodeID, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.ContainsFunc(s.edges, func(e Edge) bool {
		return e.Target == nodeID && e.TargetHandle == handle
	}), nil
}

func (s *MemoryStore) SetWorkflow(_ context.Context, nodes []Node, edges []Edge) error {
	if err := checkGraph(nodes, edges); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = slices.Clone(nodes)
	s.edges = slices.Clone(edges)
	return nil
}

// indexOf must be called with s.mu held.
func (s *MemoryStore) indexOf(id string) int {
	return slices.IndexFunc(s.nodes, func(n Node) bool { return n.ID == id })
}

// MemoryProvider hands out one MemoryStore per workflow id, creating it on
// first use.
type MemoryProvider struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{stores: make(map[string]*MemoryStore)}
}

// Open returns the store for id. The in-memory backend always creates.
func (p *MemoryProvider) Open(_ context.Context, id string, _ bool) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	store, ok := p.stores[id]
	if !ok {
		store = NewMemoryStore()
		p.stores[id] = store
	}
	return store, nil
}

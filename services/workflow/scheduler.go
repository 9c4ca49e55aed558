package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ScopePolicy decides how edges from nodes outside a run's scope count
// towards readiness.
type ScopePolicy string

const (
	// ScopeIsolated treats out-of-scope upstream nodes as satisfied.
	ScopeIsolated ScopePolicy = "isolated"
	// ScopeStrict only accepts an out-of-scope upstream node that already
	// holds a terminal status from an earlier run. Its stored output is passed
	// to downstream tasks but is not part of the new run.
	ScopeStrict ScopePolicy = "strict"
)

// ErrRunInProgress is returned by Edit while a run is in flight.
var ErrRunInProgress = errors.New("run in progress")

// StatusChange is published every time a node changes status during a run.
type StatusChange struct {
	NodeID string    `json:"nodeId"`
	Status Status    `json:"status"`
	Output any       `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier observes a scheduler's progress.
type Notifier interface {
	NodeStatusChanged(ctx context.Context, change StatusChange)
	RunCompleted(ctx context.Context, run *WorkflowRun)
}

type nopNotifier struct{}

func (nopNotifier) NodeStatusChanged(context.Context, StatusChange) {}
func (nopNotifier) RunCompleted(context.Context, *WorkflowRun)      {}

// Scheduler runs one graph. Ready nodes are executed concurrently in rounds;
// a round starts only after the previous one has fully finished. At most one
// run is active at a time.
type Scheduler struct {
	store       GraphStore
	registry    Registry
	notifier    Notifier
	policy      ScopePolicy
	maxParallel int
	logger      *slog.Logger
	now         func() time.Time

	running atomic.Bool
	// edits is held for writing by a run and for reading by each edit.
	edits   sync.RWMutex
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithNotifier sets the observer for status changes and finished runs.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithScopePolicy sets how out-of-scope dependencies are treated.
func WithScopePolicy(p ScopePolicy) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithMaxParallel caps how many nodes of a round run at once. n <= 0 means
// the whole round runs at once.
func WithMaxParallel(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxParallel = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler for the graph held by store.
func NewScheduler(store GraphStore, registry Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		notifier: nopNotifier{},
		policy:   ScopeIsolated,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a run is in flight.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Edit applies fn to the graph unless a run is in flight, in which case it
// returns ErrRunInProgress without calling fn. Runs wait for edits already
// in progress.
func (s *Scheduler) Edit(fn func() error) error {
	if !s.edits.TryRLock() {
		return ErrRunInProgress
	}
	defer s.edits.RUnlock()
	return fn()
}

// Execute runs the nodes named in scope, or the whole graph when scope is
// empty. Ids that are not in the graph are ignored.
//
// If another run is already in flight the call does nothing and returns a nil
// run and a nil error. Task failures never surface as an error: they are
// recorded in the run. Nodes that never become ready are left out of the run.
func (s *Scheduler) Execute(ctx context.Context, scope []string) (*WorkflowRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Run already in progress, dropping request", "scope", scope)
		return nil, nil
	}
	defer s.running.Store(false)

	s.edits.Lock()
	defer s.edits.Unlock()

	start := s.now()

	nodes, edges, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	participants := resolveScope(nodes, scope)
	ids := make([]string, len(participants))
	for i, n := range participants {
		ids[i] = n.ID
	}

	// Out-of-scope nodes keep their status; snapshot it before clearing.
	carried := s.carriedResults(nodes, ids)

	if err := s.store.ClearStatuses(ctx, ids); err != nil {
		return nil, fmt.Errorf("clear statuses: %w", err)
	}

	s.logger.Info("Workflow run started", "nodes", len(participants), "scope", scopeOf(scope))

	results := s.runRounds(ctx, participants, edges, carried)

	run := &WorkflowRun{
		ID:          newRunID(),
		StartedAt:   start,
		Duration:    s.now().Sub(start).Milliseconds(),
		Status:      aggregateStatus(results),
		Scope:       scopeOf(scope),
		NodeIDs:     slices.Clone(scope),
		NodeResults: results,
	}

	historyErr := s.store.AppendRunHistory(ctx, run)
	s.notifier.RunCompleted(ctx, run)
	if historyErr != nil {
		return run, fmt.Errorf("append run history: %w", historyErr)
	}

	s.logger.Info("Workflow run finished",
		"run", run.ID, "status", run.Status, "executed", len(results), "duration_ms", run.Duration)
	return run, nil
}

// resolveScope returns the participating nodes in graph order.
func resolveScope(nodes []Node, scope []string) []Node {
	if len(scope) == 0 {
		return slices.Clone(nodes)
	}
	var out []Node
	for _, n := range nodes {
		if slices.Contains(scope, n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// carriedResults returns the stored terminal results of non-participating
// nodes. Only the strict policy uses them.
func (s *Scheduler) carriedResults(nodes []Node, participating []string) map[string]NodeResult {
	carried := make(map[string]NodeResult)
	if s.policy != ScopeStrict {
		return carried
	}
	for _, n := range nodes {
		if slices.Contains(participating, n.ID) || !n.Data.Status.Terminal() {
			continue
		}
		carried[n.ID] = NodeResult{Status: n.Data.Status, Output: n.Data.Output, Error: n.Data.Error}
	}
	return carried
}

func (s *Scheduler) runRounds(ctx context.Context, participants []Node, edges []Edge, carried map[string]NodeResult) map[string]NodeResult {
	results := make(map[string]NodeResult, len(participants))

	remaining := make(map[string]bool, len(participants))
	for _, n := range participants {
		remaining[n.ID] = true
	}

	upstream := make(map[string][]string)
	for _, e := range edges {
		upstream[e.Target] = append(upstream[e.Target], e.Source)
	}

	for round := 1; len(remaining) > 0; round++ {
		var ready []Node
		for _, n := range participants {
			if remaining[n.ID] && s.isReady(n.ID, upstream, remaining, results, carried) {
				ready = append(ready, n)
			}
		}

		if len(ready) == 0 {
			s.logger.Warn("No ready nodes left, stopping run",
				"unexecuted", slices.Sorted(maps.Keys(remaining)))
			break
		}

		s.logger.Debug("Starting round", "round", round, "nodes", len(ready))

		prior := make(map[string]NodeResult, len(carried)+len(results))
		maps.Copy(prior, carried)
		maps.Copy(prior, results)

		for id, r := range s.runRound(ctx, ready, edges, prior) {
			results[id] = r
			delete(remaining, id)
		}
	}
	return results
}

// isReady reports whether every upstream node of id is either finished in
// this run or outside it (subject to the scope policy).
func (s *Scheduler) isReady(id string, upstream map[string][]string, remaining map[string]bool, results, carried map[string]NodeResult) bool {
	for _, src := range upstream[id] {
		if remaining[src] {
			return false
		}
		if _, executed := results[src]; executed {
			continue
		}
		if s.policy == ScopeStrict {
			if _, ok := carried[src]; !ok {
				return false
			}
		}
	}
	return true
}

func (s *Scheduler) runRound(ctx context.Context, ready []Node, edges []Edge, prior map[string]NodeResult) map[string]NodeResult {
	var mu sync.Mutex
	out := make(map[string]NodeResult, len(ready))

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for _, node := range ready {
		g.Go(func() error {
			r := s.runNode(ctx, node, edges, prior)
			mu.Lock()
			out[node.ID] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (s *Scheduler) runNode(ctx context.Context, node Node, edges []Edge, prior map[string]NodeResult) NodeResult {
	s.publish(ctx, StatusChange{NodeID: node.ID, Status: StatusRunning, At: s.now()})

	started := s.now()
	output, err := s.invoke(ctx, node, edges, prior)
	finished := s.now()

	var result NodeResult
	if err != nil {
		result = NewFailedResult(err.Error(), started, finished)
		s.logger.Warn("Node failed", "node", node.ID, "type", node.Type, "error", err)
	} else {
		result = NewSuccessResult(output, started, finished)
	}

	s.publish(ctx, StatusChange{
		NodeID: node.ID,
		Status: result.Status,
		Output: result.Output,
		Error:  result.Error,
		At:     finished,
	})
	return result
}

// invoke calls the node's task. A panicking task fails the node like an
// error would.
func (s *Scheduler) invoke(ctx context.Context, node Node, edges []Edge, prior map[string]NodeResult) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	task, ok := s.registry[node.Type]
	if !ok {
		return nil, fmt.Errorf("no task registered for node type %q", node.Type)
	}
	return task.Run(ctx, TaskInput{Node: node, Edges: edges, Results: prior})
}

func (s *Scheduler) publish(ctx context.Context, change StatusChange) {
	if err := s.store.SetNodeStatus(ctx, change.NodeID, change.Status, change.Output, change.Error); err != nil {
		s.logger.Warn("Failed to store node status", "node", change.NodeID, "status", change.Status, "error", err)
	}
	s.notifier.NodeStatusChanged(ctx, change)
}

// newRunID returns a time-ordered run id.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

package workflow

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"workflow-graph/api/pkg/events"
)

// StoreProvider resolves the graph store for a workflow id.
type StoreProvider interface {
	// Open returns the store for id. When create is false a provider that
	// tracks existence returns ErrWorkflowNotFound for unknown ids.
	Open(ctx context.Context, id string, create bool) (Store, error)
}

// Service wires together graph storage, the task registry and one scheduler
// per workflow.
type Service struct {
	stores    StoreProvider
	registry  Registry
	broker    *events.Broker
	opts      []SchedulerOption
	keepAlive time.Duration

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewService creates a Service. Scheduler options apply to every workflow's
// scheduler; progress is always published on broker.
func NewService(stores StoreProvider, registry Registry, broker *events.Broker, opts ...SchedulerOption) *Service {
	return &Service{
		stores:     stores,
		registry:   registry,
		broker:     broker,
		opts:       opts,
		keepAlive:  15 * time.Second,
		schedulers: make(map[string]*Scheduler),
	}
}

// scheduler returns the workflow's scheduler, creating it on first use. A
// single scheduler per workflow is what makes concurrent run requests drop.
func (s *Service) scheduler(id string, store Store) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedulers[id]
	if !ok {
		opts := append([]SchedulerOption{WithNotifier(NewBrokerNotifier(s.broker, id))}, s.opts...)
		sched = NewScheduler(store, s.registry, opts...)
		s.schedulers[id] = sched
	}
	return sched
}

// Execute runs nodeIDs of workflow id, or the whole graph when nodeIDs is
// empty. A nil run with a nil error means a run was already in progress.
func (s *Service) Execute(ctx context.Context, id string, nodeIDs []string) (*WorkflowRun, error) {
	store, err := s.stores.Open(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return s.scheduler(id, store).Execute(ctx, nodeIDs)
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}", s.HandlePutWorkflow).Methods("PUT")

	router.HandleFunc("/{id}/nodes", s.HandleAddNode).Methods("POST")
	router.HandleFunc("/{id}/nodes/{nodeId}/config", s.HandleUpdateNodeConfig).Methods("PATCH")
	router.HandleFunc("/{id}/nodes/{nodeId}", s.HandleDeleteNode).Methods("DELETE")
	router.HandleFunc("/{id}/nodes/{nodeId}/handles/{handle}", s.HandleHandleConnected).Methods("GET")

	router.HandleFunc("/{id}/edges", s.HandleConnect).Methods("POST")
	router.HandleFunc("/{id}/edges/validate", s.HandleValidateConnection).Methods("POST")
	router.HandleFunc("/{id}/edges/{edgeId}", s.HandleRemoveEdge).Methods("DELETE")

	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/runs", s.HandleListRuns).Methods("GET")
	router.HandleFunc("/{id}/runs", s.HandleClearRuns).Methods("DELETE")
	router.HandleFunc("/{id}/events", s.HandleEvents).Methods("GET")
}

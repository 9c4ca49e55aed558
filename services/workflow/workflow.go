package workflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"workflow-graph/api/pkg/events"
	"workflow-graph/api/pkg/xjson"
)

// ExecuteRequest selects the nodes to run. No ids runs the whole graph.
type ExecuteRequest struct {
	NodeIDs []string `json:"nodeIds"`
}

// ConnectionRequest proposes an edge for validation.
type ConnectionRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type graphRequest struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// HandleGetWorkflow returns the graph with its run history.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	slog.Debug("Getting workflow", "id", id)

	wf, err := snapshot(r.Context(), id, store)
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandlePutWorkflow replaces the whole graph, creating the workflow if needed.
func (s *Service) HandlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, true)
	if !ok {
		return
	}

	var req graphRequest
	if err := xjson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.scheduler(id, store).Edit(func() error {
		return store.SetWorkflow(r.Context(), req.Nodes, req.Edges)
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	slog.Info("Workflow replaced", "id", id, "nodes", len(req.Nodes), "edges", len(req.Edges))

	wf, err := snapshot(r.Context(), id, store)
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleAddNode adds a node to the graph.
func (s *Service) HandleAddNode(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}

	var req NewNode
	if err := xjson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var node Node
	err := s.scheduler(id, store).Edit(func() (err error) {
		node, err = store.AddNode(r.Context(), req)
		return err
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// HandleUpdateNodeConfig merges the request body into the node's config.
func (s *Service) HandleUpdateNodeConfig(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}

	var patch map[string]any
	if err := xjson.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var node Node
	err := s.scheduler(id, store).Edit(func() (err error) {
		node, err = store.UpdateNodeConfig(r.Context(), mux.Vars(r)["nodeId"], patch)
		return err
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// HandleDeleteNode removes a node and its edges.
func (s *Service) HandleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	err := s.scheduler(id, store).Edit(func() error {
		return store.DeleteNode(r.Context(), mux.Vars(r)["nodeId"])
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConnect adds an edge if it keeps the graph acyclic.
func (s *Service) HandleConnect(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}

	var req Edge
	if err := xjson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "source and target are required")
		return
	}
	var edge Edge
	err := s.scheduler(id, store).Edit(func() (err error) {
		edge, err = store.Connect(r.Context(), req)
		return err
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

// HandleValidateConnection reports whether a proposed edge would be accepted
// by the cycle check, without adding it.
func (s *Service) HandleValidateConnection(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}

	var req ConnectionRequest
	if err := xjson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	edges, err := store.Edges(r.Context())
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"valid": IsValidConnection(edges, req.Source, req.Target),
	})
}

// HandleHandleConnected reports whether a node's input handle already has an
// incoming edge.
func (s *Service) HandleHandleConnected(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	connected, err := store.IsHandleConnected(r.Context(), vars["nodeId"], vars["handle"])
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

// HandleRemoveEdge deletes an edge by id.
func (s *Service) HandleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	err := s.scheduler(id, store).Edit(func() error {
		return store.RemoveEdge(r.Context(), mux.Vars(r)["edgeId"])
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecuteWorkflow runs the requested nodes and returns the run record.
// The body is optional.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	slog.Debug("Executing workflow", "id", id)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var req ExecuteRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := xjson.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	// The run is not tied to the client connection.
	run, err := s.Execute(context.WithoutCancel(r.Context()), id, req.NodeIDs)
	if err != nil {
		if run == nil {
			writeStoreError(w, id, err)
			return
		}
		slog.Error("Run finished but could not be recorded", "id", id, "run", run.ID, "error", err)
	}
	if run == nil {
		writeError(w, http.StatusAccepted, "run already in progress")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleListRuns returns the run history, most recent first.
func (s *Service) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	history, err := store.History(r.Context())
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(history))
}

// HandleClearRuns drops the run history and resets node statuses. Like every
// edit it is refused while a run is in progress.
func (s *Service) HandleClearRuns(w http.ResponseWriter, r *http.Request) {
	id, store, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	err := s.scheduler(id, store).Edit(func() error {
		return store.ClearHistory(r.Context())
	})
	if err != nil {
		writeStoreError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams node status changes and finished runs as Server-Sent
// Events.
func (s *Service) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.openStore(w, r, false)
	if !ok {
		return
	}
	slog.Debug("Event stream opened", "id", id)
	events.ServeSSE(w, r, s.broker.Subscribe(id), s.keepAlive)
	slog.Debug("Event stream closed", "id", id)
}

func workflowID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return "", false
	}
	return id, true
}

func (s *Service) openStore(w http.ResponseWriter, r *http.Request, create bool) (string, Store, bool) {
	id, ok := workflowID(w, r)
	if !ok {
		return "", nil, false
	}
	store, err := s.stores.Open(r.Context(), id, create)
	if err != nil {
		writeStoreError(w, id, err)
		return "", nil, false
	}
	return id, store, true
}

func snapshot(ctx context.Context, id string, store Store) (*Workflow, error) {
	nodes, edges, err := store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	history, err := store.History(ctx)
	if err != nil {
		return nil, err
	}
	return &Workflow{ID: id, Nodes: nonNil(nodes), Edges: nonNil(edges), History: nonNil(history)}, nil
}

// writeStoreError maps store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, id string, err error) {
	var cfgErr *ConfigError
	switch {
	case errors.Is(err, ErrWorkflowNotFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrEdgeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidConnection):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrDuplicateNode),
		errors.Is(err, ErrDuplicateEdge),
		errors.Is(err, ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownNodeType), errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Workflow request failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := xjson.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

package workflow

import (
	"fmt"
	"time"

	"workflow-graph/api/pkg/xjson"
)

// NodeType identifies which task a node runs. The set is closed.
type NodeType string

const (
	NodeTypeText         NodeType = "textNode"
	NodeTypeUploadImage  NodeType = "uploadImageNode"
	NodeTypeUploadVideo  NodeType = "uploadVideoNode"
	NodeTypeRunModel     NodeType = "runLLMNode"
	NodeTypeCropImage    NodeType = "cropImageNode"
	NodeTypeExtractFrame NodeType = "extractFrameNode"
)

// NodeTypes lists every supported node type.
var NodeTypes = []NodeType{
	NodeTypeText,
	NodeTypeUploadImage,
	NodeTypeUploadVideo,
	NodeTypeRunModel,
	NodeTypeCropImage,
	NodeTypeExtractFrame,
}

// ParseNodeType validates s against the supported node types.
func ParseNodeType(s string) (NodeType, error) {
	for _, t := range NodeTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNodeType, s)
}

// Status is the run status of a single node.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the node has finished an execution attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Workflow is a graph snapshot together with its run history.
type Workflow struct {
	ID      string         `json:"id"`
	Nodes   []Node         `json:"nodes"`
	Edges   []Edge         `json:"edges"`
	History []*WorkflowRun `json:"history"`
}

// Node represents a single task in a workflow graph.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the configuration and last run status of a node.
type NodeData struct {
	Label  string     `json:"label"`
	Status Status     `json:"status"`
	Config NodeConfig `json:"config"`
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// UnmarshalJSON decodes the node and converts its dynamic config map into the
// typed variant for the node's type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string   `json:"id"`
		Type     string   `json:"type"`
		Position Position `json:"position"`
		Data     struct {
			Label  string         `json:"label"`
			Status Status         `json:"status"`
			Config map[string]any `json:"config"`
			Output any            `json:"output"`
			Error  string         `json:"error"`
		} `json:"data"`
	}
	if err := xjson.Unmarshal(data, &raw); err != nil {
		return err
	}

	nodeType, err := ParseNodeType(raw.Type)
	if err != nil {
		return err
	}
	cfg, err := DecodeConfig(nodeType, raw.Data.Config)
	if err != nil {
		return err
	}

	status := raw.Data.Status
	if status == "" {
		status = StatusIdle
	}

	*n = Node{
		ID:       raw.ID,
		Type:     nodeType,
		Position: raw.Position,
		Data: NodeData{
			Label:  raw.Data.Label,
			Status: status,
			Config: cfg,
			Output: raw.Data.Output,
			Error:  raw.Data.Error,
		},
	}
	return nil
}

// Edge represents a directed connection between two nodes. TargetHandle names
// the input slot on the target the edge feeds.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// NodeResult is the outcome of one execution attempt of a node. Exactly one
// of Output or Error is set.
type NodeResult struct {
	Status     Status    `json:"status"`
	Duration   int64     `json:"duration"` // milliseconds
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewSuccessResult records a completed execution.
func NewSuccessResult(output any, started, finished time.Time) NodeResult {
	return NodeResult{
		Status:     StatusSuccess,
		Duration:   finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
		Output:     output,
	}
}

// NewFailedResult records a failed execution.
func NewFailedResult(message string, started, finished time.Time) NodeResult {
	return NodeResult{
		Status:     StatusFailed,
		Duration:   finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
		Error:      message,
	}
}

// RunStatus is the aggregated outcome of a workflow run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunScope describes which part of the graph a run covered.
type RunScope string

const (
	RunScopeFull    RunScope = "full"
	RunScopePartial RunScope = "partial"
	RunScopeSingle  RunScope = "single"
)

// WorkflowRun is the immutable record of one scheduler invocation.
type WorkflowRun struct {
	ID          string                `json:"id"`
	StartedAt   time.Time             `json:"timestamp"`
	Duration    int64                 `json:"duration"` // milliseconds
	Status      RunStatus             `json:"status"`
	Scope       RunScope              `json:"scope"`
	NodeIDs     []string              `json:"nodeIds,omitempty"`
	NodeResults map[string]NodeResult `json:"nodeResults"`
}

// aggregateStatus derives the run status from its node results: no failures
// is success, a mix is partial and all-failed is failed. A run that executed
// nothing is a success.
func aggregateStatus(results map[string]NodeResult) RunStatus {
	var failed, succeeded int
	for _, r := range results {
		if r.Status == StatusFailed {
			failed++
		} else {
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return RunStatusSuccess
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// scopeOf labels a run request: no ids is the full graph.
func scopeOf(nodeIDs []string) RunScope {
	switch len(nodeIDs) {
	case 0:
		return RunScopeFull
	case 1:
		return RunScopeSingle
	default:
		return RunScopePartial
	}
}

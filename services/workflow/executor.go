package workflow

import (
	"context"
)

// TaskInput is everything a task sees when its node runs.
type TaskInput struct {
	Node  Node
	Edges []Edge
	// Results holds the results of nodes finished in earlier rounds. It is a
	// snapshot owned by this call.
	Results map[string]NodeResult
}

// Inputs groups the results of the node's upstream neighbours by the target
// handle their edge feeds, in edge order. Upstream nodes that have not
// produced a result are left out.
func (in TaskInput) Inputs() map[string][]NodeResult {
	inputs := make(map[string][]NodeResult)
	for _, e := range in.Edges {
		if e.Target != in.Node.ID {
			continue
		}
		if r, ok := in.Results[e.Source]; ok {
			inputs[e.TargetHandle] = append(inputs[e.TargetHandle], r)
		}
	}
	return inputs
}

// SuccessfulOutputs returns the outputs of successful upstream results on
// handle, in edge order.
func (in TaskInput) SuccessfulOutputs(handle string) []any {
	var out []any
	for _, r := range in.Inputs()[handle] {
		if r.Status == StatusSuccess {
			out = append(out, r.Output)
		}
	}
	return out
}

// Task defines the work performed for a single node type. A returned error
// marks the node failed with the error's message.
type Task interface {
	Run(ctx context.Context, in TaskInput) (any, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, in TaskInput) (any, error)

func (f TaskFunc) Run(ctx context.Context, in TaskInput) (any, error) {
	return f(ctx, in)
}

// Registry maps node types to their task implementation.
type Registry map[NodeType]Task

// NewRegistry creates a registry populated with all built-in tasks.
func NewRegistry(model ModelClient) Registry {
	return Registry{
		NodeTypeText:         &TextTask{},
		NodeTypeUploadImage:  &UploadImageTask{},
		NodeTypeUploadVideo:  &UploadVideoTask{},
		NodeTypeRunModel:     &RunModelTask{client: model},
		NodeTypeCropImage:    &CropImageTask{},
		NodeTypeExtractFrame: &ExtractFrameTask{},
	}
}

// Wrap returns a new registry with every task passed through decorate.
func (r Registry) Wrap(decorate func(NodeType, Task) Task) Registry {
	wrapped := make(Registry, len(r))
	for t, task := range r {
		wrapped[t] = decorate(t, task)
	}
	return wrapped
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithTracing wraps a task so every run creates a span named
// "workflow.task.{nodeType}".
func WithTracing(tracer trace.Tracer) func(NodeType, Task) Task {
	return func(t NodeType, task Task) Task {
		return &tracingTask{inner: task, tracer: tracer, nodeType: t}
	}
}

type tracingTask struct {
	inner    Task
	tracer   trace.Tracer
	nodeType NodeType
}

func (t *tracingTask) Run(ctx context.Context, in TaskInput) (any, error) {
	ctx, span := t.tracer.Start(ctx, "workflow.task."+string(t.nodeType),
		trace.WithAttributes(
			attribute.String("workflow.node.id", in.Node.ID),
			attribute.String("workflow.node.type", string(t.nodeType)),
		))
	defer span.End()

	out, err := t.inner.Run(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// TaskMetrics holds the instruments recorded for task runs.
type TaskMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewTaskMetrics creates the task instruments on meter.
func NewTaskMetrics(meter metric.Meter) (*TaskMetrics, error) {
	runs, err := meter.Int64Counter("workflow.task.runs",
		metric.WithDescription("Number of task runs by node type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	duration, err := meter.Float64Histogram("workflow.task.duration",
		metric.WithDescription("Task run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &TaskMetrics{runs: runs, duration: duration}, nil
}

// WithMetrics wraps a task to record run count and duration.
func WithMetrics(m *TaskMetrics) func(NodeType, Task) Task {
	return func(t NodeType, task Task) Task {
		return &metricsTask{inner: task, metrics: m, nodeType: t}
	}
}

type metricsTask struct {
	inner    Task
	metrics  *TaskMetrics
	nodeType NodeType
}

func (t *metricsTask) Run(ctx context.Context, in TaskInput) (any, error) {
	start := time.Now()
	out, err := t.inner.Run(ctx, in)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	status := string(StatusSuccess)
	if err != nil {
		status = string(StatusFailed)
	}
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(t.nodeType)),
		attribute.String("status", status),
	)
	t.metrics.runs.Add(ctx, 1, attrs)
	t.metrics.duration.Record(ctx, elapsed, attrs)
	return out, err
}

// WithLogging wraps a task to log each run at debug level.
func WithLogging(logger *slog.Logger) func(NodeType, Task) Task {
	return func(t NodeType, task Task) Task {
		return &loggingTask{inner: task, logger: logger, nodeType: t}
	}
}

type loggingTask struct {
	inner    Task
	logger   *slog.Logger
	nodeType NodeType
}

func (t *loggingTask) Run(ctx context.Context, in TaskInput) (any, error) {
	start := time.Now()
	out, err := t.inner.Run(ctx, in)

	args := []any{"node", in.Node.ID, "type", t.nodeType, "duration", time.Since(start).String()}
	if err != nil {
		t.logger.DebugContext(ctx, "Task failed", append(args, "error", err)...)
	} else {
		t.logger.DebugContext(ctx, "Task completed", args...)
	}
	return out, err
}

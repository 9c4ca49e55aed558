package workflow

import (
	"context"

	"workflow-graph/api/pkg/events"
)

// Event types published on a workflow's topic.
const (
	EventNodeStatus   = "node.status"
	EventRunCompleted = "run.completed"
)

// BrokerNotifier publishes scheduler progress on a broker topic, one topic per
// workflow.
type BrokerNotifier struct {
	broker *events.Broker
	topic  string
}

// NewBrokerNotifier creates a notifier for the workflow with the given id.
func NewBrokerNotifier(broker *events.Broker, workflowID string) *BrokerNotifier {
	return &BrokerNotifier{broker: broker, topic: workflowID}
}

func (n *BrokerNotifier) NodeStatusChanged(_ context.Context, change StatusChange) {
	n.broker.Publish(n.topic, events.Event{Type: EventNodeStatus, At: change.At, Data: change})
}

func (n *BrokerNotifier) RunCompleted(_ context.Context, run *WorkflowRun) {
	n.broker.Publish(n.topic, events.Event{Type: EventRunCompleted, Data: run})
}

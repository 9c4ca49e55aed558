package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-graph/api/pkg/events"
)

func TestBrokerNotifier_PublishesRunProgress(t *testing.T) {
	broker := events.NewBroker(16)
	sub := broker.Subscribe("wf-1")
	defer sub.Close()
	other := broker.Subscribe("wf-2")
	defer other.Close()

	store := newTestGraph(t, []Node{textNode("N1")}, nil)
	sched := NewScheduler(store, scripted(nil), WithNotifier(NewBrokerNotifier(broker, "wf-1")))

	run, err := sched.Execute(context.Background(), nil)
	require.NoError(t, err)

	var got []events.Event
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 events, got %d", len(got))
		}
	}

	assert.Equal(t, EventNodeStatus, got[0].Type)
	assert.Equal(t, StatusRunning, got[0].Data.(StatusChange).Status)
	assert.Equal(t, EventNodeStatus, got[1].Type)
	assert.Equal(t, StatusSuccess, got[1].Data.(StatusChange).Status)
	assert.Equal(t, EventRunCompleted, got[2].Type)
	assert.Equal(t, run.ID, got[2].Data.(*WorkflowRun).ID)

	assert.Empty(t, other.Events())
}

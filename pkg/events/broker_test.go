package events

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishToTopicSubscribers(t *testing.T) {
	b := NewBroker(4)
	a := b.Subscribe("wf-1")
	other := b.Subscribe("wf-2")
	defer a.Close()
	defer other.Close()

	n := b.Publish("wf-1", Event{Type: "node.status", Data: "n1"})

	assert.Equal(t, 1, n)
	ev := <-a.Events()
	assert.Equal(t, "node.status", ev.Type)
	assert.False(t, ev.At.IsZero())
	assert.Empty(t, other.Events())
}

func TestBroker_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(1)
	sub := b.Subscribe("wf")
	defer sub.Close()

	assert.Equal(t, 1, b.Publish("wf", Event{Type: "first"}))
	assert.Equal(t, 0, b.Publish("wf", Event{Type: "second"}))

	ev := <-sub.Events()
	assert.Equal(t, "first", ev.Type)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewBroker(1)
	sub := b.Subscribe("wf")
	require.Equal(t, 1, b.Subscribers("wf"))

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, b.Subscribers("wf"))
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish("wf", Event{Type: "late"}))
}

func TestWriteEvent_Frame(t *testing.T) {
	var buf bytes.Buffer

	err := WriteEvent(&buf, Event{Type: "run.completed", Data: map[string]string{"id": "r1"}})

	require.NoError(t, err)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: run.completed\ndata: {"))
	assert.Contains(t, out, `"id":"r1"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestServeSSE_StreamsUntilContextDone(t *testing.T) {
	b := NewBroker(4)
	sub := b.Subscribe("wf")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ServeSSE(w, req, sub, time.Hour)
		close(done)
	}()

	b.Publish("wf", Event{Type: "node.status", Data: "n1"})
	require.Eventually(t, func() bool { return b.Subscribers("wf") == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeSSE did not return after context cancellation")
	}

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: node.status")
	assert.Equal(t, 0, b.Subscribers("wf"))
}

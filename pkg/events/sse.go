package events

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"workflow-graph/api/pkg/xjson"
)

// ServeSSE streams events from sub to the client until the request context is
// done or the subscription is closed. A comment line is written every
// keepAlive to keep proxies from timing the connection out.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription, keepAlive time.Duration) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Long-lived stream; the server's write timeout must not apply.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("Could not disable write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := WriteEvent(w, ev); err != nil {
				slog.Debug("SSE write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// WriteEvent writes ev as a single SSE frame.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := xjson.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return nil
}

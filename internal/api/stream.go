package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/model"
)

// handleStream serves a job's progress as Server-Sent Events. A reconnecting
// client resumes from Last-Event-ID and receives exactly what it missed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		respondError(w, r, http.StatusNotFound, "task not found")
		return
	}

	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("after")
	}
	after, err := parseInt(strings.TrimSpace(cursor))
	if err != nil || after < 0 {
		respondError(w, r, http.StatusBadRequest, "invalid event cursor")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// connected is per connection and never enters the job's log.
	hello := model.Event{
		JobID:     id,
		Type:      model.EventConnected,
		Payload:   map[string]any{"after": after, "latest": s.latestID(id)},
		Timestamp: time.Now().UTC(),
	}
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	events := s.deps.Hub.Subscribe(ctx, id, after)
	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				zap.L().Debug("api: stream write failed", zap.String("task_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// writeEvent writes one SSE frame. Events without an id are not resumable.
func writeEvent(w io.Writer, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var b strings.Builder
	if ev.ID > 0 {
		fmt.Fprintf(&b, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Type, data)
	_, err = io.WriteString(w, b.String())
	return err
}

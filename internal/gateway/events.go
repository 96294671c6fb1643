package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// busEvent is the SSE wire form of a bus notification.
type busEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents implements GET /api/v1/events?topic=<prefix>. It forwards bus
// notifications matching the prefix as SSE until the client disconnects.
// An empty prefix matches everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(busEvent{Topic: ev.Topic, Payload: ev.Payload})
			if err != nil {
				s.logger.Error("sse marshal bus event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

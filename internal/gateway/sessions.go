package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/session"
)

type sessionStartRequest struct {
	AccountID string `json:"account_id"`
	Goal      string `json:"goal"`
	Mode      string `json:"mode"`
}

type sessionResumeRequest struct {
	Message   string          `json:"message,omitempty"`
	Approvals map[string]bool `json:"approvals,omitempty"`
	Mode      string          `json:"mode,omitempty"`
}

// handleSessionStart implements POST /api/v1/session/start. The response is
// an SSE stream of this invocation's events; it ends when the session parks
// or reaches a terminal status.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req sessionStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, events, err := s.cfg.Orchestrator.Start(r.Context(), session.StartInput{
		AccountID: req.AccountID,
		Goal:      req.Goal,
		Mode:      persistence.AutonomyMode(req.Mode),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streamEvents(w, r, id, events)
}

// handleSessionByID routes /api/v1/session/{id}, {id}/resume and {id}/cancel.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/session/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "session id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleSessionGet(w, r, id)
	case action == "resume" && r.Method == http.MethodPost:
		s.handleSessionResume(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleSessionCancel(w, r, id)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.cfg.Orchestrator.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request, id string) {
	var req sessionResumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	input, err := resumeInputFrom(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.cfg.Orchestrator.Resume(r.Context(), id, input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.streamEvents(w, r, id, events)
}

// resumeInputFrom maps the request body onto exactly one resume variant.
func resumeInputFrom(req sessionResumeRequest) (session.ResumeInput, error) {
	set := 0
	if req.Message != "" {
		set++
	}
	if len(req.Approvals) > 0 {
		set++
	}
	if req.Mode != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of message, approvals, mode is required")
	}
	switch {
	case req.Message != "":
		return session.Message{Text: req.Message}, nil
	case len(req.Approvals) > 0:
		return session.ApprovalDecisions{Decisions: req.Approvals}, nil
	default:
		return session.ModeChange{Mode: persistence.AutonomyMode(req.Mode)}, nil
	}
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.cfg.Orchestrator.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancelled"})
}

// streamEvents writes the event channel as SSE until it closes or the
// client disconnects. Consumers ignore event types they do not know.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string, events <-chan session.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", "session_id", sessionID)
			// Drain so the producer finishes its in-flight turn.
			go func() {
				for range events {
				}
			}()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

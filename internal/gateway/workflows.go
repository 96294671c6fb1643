package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/session"
	"github.com/basket/outreach/internal/sweep"
	"github.com/basket/outreach/internal/workflow"
)

type templateCreateRequest struct {
	AccountID     string             `json:"account_id"`
	Name          string             `json:"name"`
	Goal          string             `json:"goal"`
	Steps         []persistence.Step `json:"steps"`
	TimeoutDays   int                `json:"timeout_days"`
	TriggerConfig string             `json:"trigger_config"`
	Enabled       bool               `json:"enabled"`
}

// handleTemplates implements POST and GET /api/v1/workflow/templates.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req templateCreateRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := sweep.ValidateTrigger(req.TriggerConfig); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		tmpl, err := s.cfg.Store.CreateTemplate(r.Context(), persistence.Template{
			AccountID:     req.AccountID,
			Name:          req.Name,
			Goal:          req.Goal,
			Steps:         req.Steps,
			TimeoutDays:   req.TimeoutDays,
			TriggerConfig: req.TriggerConfig,
			Enabled:       req.Enabled,
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, tmpl)

	case http.MethodGet:
		templates, err := s.cfg.Store.ListTemplates(r.Context(), r.URL.Query().Get("account_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": templates})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type runStartRequest struct {
	WorkflowID     string            `json:"workflow_id"`
	AccountID      string            `json:"account_id"`
	SubjectID      string            `json:"subject_id"`
	SubjectContact string            `json:"subject_contact"`
	SubjectName    string            `json:"subject_name"`
	Context        map[string]string `json:"context,omitempty"`
}

// handleRuns implements POST and GET /api/v1/workflow/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req runStartRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		run, err := s.cfg.Engine.StartRun(r.Context(), workflow.StartInput{
			WorkflowID:     req.WorkflowID,
			AccountID:      req.AccountID,
			SubjectID:      req.SubjectID,
			SubjectContact: req.SubjectContact,
			SubjectName:    req.SubjectName,
			InitialContext: req.Context,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)

	case http.MethodGet:
		runs, err := s.cfg.Store.ListRuns(r.Context(),
			r.URL.Query().Get("account_id"),
			persistence.RunStatus(r.URL.Query().Get("status")),
		)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type runAdvanceRequest struct {
	NextStep int `json:"next_step"`
}

// handleRunByID routes /api/v1/workflow/runs/{id}/advance.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflow/runs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "run id required")
		return
	}

	switch {
	case action == "advance" && r.Method == http.MethodPost:
		var req runAdvanceRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := s.cfg.Engine.AdvanceRun(r.Context(), id, req.NextStep); err != nil {
			s.writeError(w, err)
			return
		}
		run, err := s.cfg.Store.GetRun(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)

	case action == "" && r.Method == http.MethodGet:
		run, err := s.cfg.Store.GetRun(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTick implements POST /api/v1/workflow/tick, the manual sweep hook.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := s.cfg.Engine.Tick(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"timed_out": n})
}

type inboundRequest struct {
	Token   string `json:"token"`
	Text    string `json:"text"`
	Contact string `json:"contact"`
	Name    string `json:"name"`
}

// handleInbound implements POST /api/v1/inbound. The token is a run or
// session id; replies are routed to whichever owns it.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req inboundRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "token required")
		return
	}

	if _, err := s.cfg.Store.GetRun(r.Context(), req.Token); err == nil {
		if err := s.cfg.Engine.HandleReply(r.Context(), req.Token, req.Text, req.Contact, req.Name); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"routed_to": "run", "run_id": req.Token})
		return
	}

	// Not a run; try a session. The webhook caller does not consume the
	// event stream, so the resumed turn runs detached from this request.
	events, err := s.cfg.Orchestrator.Resume(context.WithoutCancel(r.Context()), req.Token, session.Message{Text: req.Text})
	if err != nil {
		s.writeError(w, err)
		return
	}
	go func() {
		for range events {
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"routed_to": "session", "session_id": req.Token})
}

// Package gateway exposes the HTTP API: session streams, workflow
// management, and the inbound reply webhook.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/outreach/internal/approval"
	"github.com/basket/outreach/internal/bus"
	"github.com/basket/outreach/internal/evaluator"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/outbound"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/ratelimit"
	"github.com/basket/outreach/internal/session"
	"github.com/basket/outreach/internal/shared"
	"github.com/basket/outreach/internal/workflow"
)

// Config holds the gateway's dependencies.
type Config struct {
	Store        *persistence.Store
	Orchestrator *session.Orchestrator
	Engine       *workflow.Engine
	Policy       approval.Checker

	// Bus feeds the /api/v1/events firehose. Nil disables it.
	Bus *bus.Bus

	// AuthToken guards every endpoint except /healthz. Empty means all
	// authenticated requests are rejected.
	AuthToken string

	// Limiter throttles requests per caller address. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// Metrics is optional; nil skips instrument updates.
	Metrics *otel.Metrics

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/v1/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/v1/session/", s.handleSessionByID)

	mux.HandleFunc("/api/v1/workflow/templates", s.handleTemplates)
	mux.HandleFunc("/api/v1/workflow/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/workflow/runs/", s.handleRunByID)
	mux.HandleFunc("/api/v1/workflow/tick", s.handleTick)

	mux.HandleFunc("/api/v1/inbound", s.handleInbound)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	return s.trace(s.throttle(mux))
}

// trace assigns each request a trace_id, opens a server span, and logs the
// request's completion.
func (s *Server) trace(next http.Handler) http.Handler {
	tracer := otelapi.Tracer(otel.TracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otel.StartServerSpan(ctx, tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds())
		}
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", shared.TraceID(ctx),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
		dbOK = false
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": policyVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// authorize checks the bearer token with a constant-time comparison. An
// empty configured token fails closed.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// throttle applies the per-address token bucket to every request except the
// health check.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.cfg.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.cfg.Limiter.Allow(host) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
			}
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		busyErr       *session.SessionBusyError
		runBusyErr    *workflow.RunBusyError
		stateErr      *session.StateError
		runStateErr   *workflow.StateError
		incompleteErr *session.IncompleteApprovalError
		valErr        *session.ValidationError
		runValErr     *workflow.ValidationError
		evalValErr    *evaluator.ValidationError
		evalErr       *evaluator.EvaluationError
	)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &busyErr), errors.As(err, &runBusyErr):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &stateErr), errors.As(err, &runStateErr):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &incompleteErr):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &valErr), errors.As(err, &runValErr), errors.As(err, &evalValErr):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &evalErr):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, outbound.ErrThrottled):
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

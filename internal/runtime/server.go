package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/tripagent/internal/auth"
	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/loop"
	"github.com/szaher/tripagent/internal/mail"
	"github.com/szaher/tripagent/internal/session"
	"github.com/szaher/tripagent/internal/telemetry"
	"github.com/szaher/tripagent/internal/tools"
)

const (
	maxBodyBytes      = 1 << 20
	correlationHeader = "X-Correlation-ID"
)

// Server is the HTTP API over a Runner.
type Server struct {
	runner   *loop.Runner
	store    session.Store
	registry *tools.Registry
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	defaults func(loop.Delivery) loop.Delivery
	apiKey   string
	limiter  *auth.Limiter

	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires every request except /healthz to present key.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithRateLimit limits each client to rps requests per second. A zero rps
// only blocks clients that repeatedly present bad keys.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = auth.NewLimiter(rps, burst) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithDeliveryDefaults fills unset resume fields before validation.
func WithDeliveryDefaults(fn func(loop.Delivery) loop.Delivery) ServerOption {
	return func(s *Server) { s.defaults = fn }
}

// NewServer creates the HTTP API.
func NewServer(runner *loop.Runner, store session.Store, registry *tools.Registry, opts ...ServerOption) *Server {
	s := &Server{
		runner:    runner,
		store:     store,
		registry:  registry,
		logger:    slog.Default(),
		defaults:  func(d loop.Delivery) loop.Delivery { return d },
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleAbandon)
	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.correlate(auth.Middleware(s.apiKey, []string{"/healthz"}, s.limiter)(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr, "tools", len(s.registry.Names()), "auth", s.apiKey != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// correlate threads the caller's correlation id, or a fresh one, through the
// request context and echoes it back.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(correlationHeader))
		w.Header().Set(correlationHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"tools":   len(s.registry.Names()),
		"version": Version,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.Definitions()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := session.ListOptions{State: session.State(r.URL.Query().Get("state"))}
	if opts.State != "" && !opts.State.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Unknown state %q", opts.State))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	list, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	views := make([]sessionView, len(list))
	for i, sess := range list {
		views[i] = viewOf(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	s.run(w, r, req.SessionID, req.Message)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.run(w, r, r.PathValue("id"), req.Message)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, id, message string) {
	res, err := s.runner.Run(r.Context(), id, message)
	if err != nil {
		s.fail(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var d loop.Delivery
	if !decode(w, r, &d) {
		return
	}
	res, err := s.runner.Resume(r.Context(), r.PathValue("id"), s.defaults(d))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	view := viewOf(sess)
	view.Messages = sess.Messages
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runner.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

// fail maps err onto a status and writes the error envelope. Partial run
// results are included so callers can see committed progress.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, res *loop.Result) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err,
			"correlation_id", telemetry.CorrelationID(r.Context()))
	}
	body := errorBody{Error: code, Message: err.Error()}
	if res != nil && res.Session != nil {
		v := resultView(res)
		body.Result = &v
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	var (
		te *loop.TransportError
		me *loop.ModelError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, loop.ErrInvalidState), errors.Is(err, loop.ErrNoFinalAnswer):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, session.ErrVersionConflict), errors.Is(err, session.ErrHistoryRewrite):
		return http.StatusConflict, "conflict"
	case errors.Is(err, loop.ErrEmptyConversation), errors.Is(err, mail.ErrInvalidEnvelope):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, loop.ErrTurnLimit), errors.Is(err, llm.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.As(err, &te):
		return http.StatusBadGateway, "transport_error"
	case errors.As(err, &me):
		return http.StatusBadGateway, "model_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type errorBody struct {
	Error   string     `json:"error"`
	Message string     `json:"message"`
	Result  *runResult `json:"result,omitempty"`
}

type sessionView struct {
	ID          string            `json:"session_id"`
	State       session.State     `json:"state"`
	FinalAnswer string            `json:"final_answer,omitempty"`
	Delivery    *session.Delivery `json:"delivery,omitempty"`
	Usage       llm.TokenUsage    `json:"usage"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Messages    []llm.Message     `json:"messages,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:          sess.ID,
		State:       sess.State,
		FinalAnswer: sess.FinalAnswer,
		Delivery:    sess.Delivery,
		Usage:       sess.Usage,
		Version:     sess.Version,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
}

type runResult struct {
	sessionView
	Turns     int            `json:"turns"`
	StepUsage llm.TokenUsage `json:"step_usage"`
}

func resultView(res *loop.Result) runResult {
	return runResult{sessionView: viewOf(res.Session), Turns: res.Turns, StepUsage: res.Usage}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

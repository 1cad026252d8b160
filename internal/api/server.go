// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/toolrelay/internal/gateway"
	"github.com/user/toolrelay/internal/types"
	"github.com/user/toolrelay/pkg/relay"
)

// DefaultMaxBodyBytes matches the largest payload the agent driver sends.
const DefaultMaxBodyBytes int64 = 1 << 30

const errMissingSession = "Missing session_id - parallelism requires session isolation"

// Relay is the protocol surface the HTTP layer drives.
type Relay interface {
	SubmitTurn(ctx context.Context, id types.SessionID, body json.RawMessage) (json.RawMessage, error)
	SubmitRequest(ctx context.Context, id types.SessionID, body json.RawMessage) (json.RawMessage, error)
	Sessions() []gateway.SessionInfo
}

// Server is the relay's HTTP handler.
type Server struct {
	relay        Relay
	runs         types.RunStore
	logger       *slog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
	handler      http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server. runs may be nil, in which case the run
// endpoints answer 503.
func NewServer(r Relay, runs types.RunStore, opts ...Option) *Server {
	s := &Server{
		relay:        r,
		runs:         runs,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /tool-calls", s.handleToolCalls)
	s.mux.HandleFunc("POST /v1/tool-calls", s.handleToolCalls)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /api/runs", s.handleUploadRun)
	s.mux.HandleFunc("GET /api/runs/{runId}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)

	s.handler = RequestIDMiddleware()(LoggingMiddleware(s.logger)(s.mux))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.relayHandler(w, r, "executor request", s.relay.SubmitRequest)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	s.relayHandler(w, r, "agent turn", s.relay.SubmitTurn)
}

type submitFunc func(ctx context.Context, id types.SessionID, body json.RawMessage) (json.RawMessage, error)

func (s *Server) relayHandler(w http.ResponseWriter, r *http.Request, kind string, submit submitFunc) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	id, err := sessionIDFrom(body)
	if err != nil {
		s.logger.Warn(kind+" rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp, err := submit(r.Context(), id, body)
	if err != nil {
		status := statusFor(err)
		s.logger.Warn(kind+" failed", "session_id", id, "status", status, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, status, err.Error())
		return
	}
	if resp == nil {
		resp = json.RawMessage(`{}`)
	}
	writeRaw(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	ids, err := s.runs.List(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"runs": ids})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	id := r.PathValue("runId")
	data, found, err := s.runs.Read(r.Context(), id)
	if err != nil {
		s.logger.Error("read run failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read run")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (s *Server) handleUploadRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.runs.WriteRaw(r.Context(), body)
	if err != nil {
		s.logger.Error("store uploaded run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store run")
		return
	}
	s.logger.Info("run uploaded", "run_id", id)
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": id})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	active := s.relay.Sessions()
	out := relay.SessionList{Sessions: make([]relay.SessionInfo, 0, len(active)), Total: len(active)}
	for _, info := range active {
		out.Sessions = append(out.Sessions, relay.SessionInfo{
			SessionID:  string(info.ID),
			Age:        info.Age.Milliseconds(),
			AgeMinutes: strconv.FormatFloat(info.Age.Minutes(), 'f', 2, 64),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// readBody reads the whole request body within the size limit. On failure
// the error response has already been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return nil, false
	}
	return body, true
}

// sessionIDFrom extracts a non-empty string session_id from a JSON object.
func sessionIDFrom(body []byte) (types.SessionID, error) {
	var probe struct {
		SessionID any `json:"session_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", invalid("invalid JSON")
	}
	id, ok := probe.SessionID.(string)
	if !ok || id == "" {
		return "", invalid(errMissingSession)
	}
	return types.SessionID(id), nil
}

// statusFor maps relay errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrExecutionFailure):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrTurnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrSessionClosed), errors.Is(err, gateway.ErrSessionStale):
		return http.StatusGone
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		return 499
	}
	return http.StatusInternalServerError
}

// invalidError carries a client-facing message for a 400.
type invalidError struct{ msg string }

func invalid(msg string) error { return &invalidError{msg: msg} }

func (e *invalidError) Error() string { return e.msg }
func (e *invalidError) Unwrap() error { return gateway.ErrInvalidRequest }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

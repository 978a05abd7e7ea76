// Package proxy lets one process own a device connection and serve script
// execution to other processes. Peers connect over TCP; each connection is a
// yamux session and every HTTP request rides its own stream.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/metrics"
	"github.com/peterje/mctl/internal/repl"
)

// maxScriptSize bounds a run-script request body.
const maxScriptSize = 4 << 20

// Backend is the device connection the proxy shares.
type Backend interface {
	repl.ScriptRunner
	Info() repl.Info
}

// Identity is returned by GET /api. DeviceID keeps the name older clients
// used for the connection path.
type Identity struct {
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Transport string `json:"transport"`
	Mode      string `json:"mode"`
	Connected bool   `json:"connected"`
}

// RunRequest is the JSON form of POST /api/run-script. A text/plain body is
// treated as a bare script.
type RunRequest struct {
	Script    string `json:"script"`
	StayInRaw bool   `json:"stayInRaw,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
	NoDedent  bool   `json:"noDedent,omitempty"`
	NoWait    bool   `json:"noWait,omitempty"`
}

// RunResponse reports a script result. ErrorKind is "script" when the device
// wrote to stderr.
type RunResponse struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// Server is the HTTP API in front of a Backend.
type Server struct {
	mux        *http.ServeMux
	backend    Backend
	devicePath string
	id         string
	log        *zap.Logger
}

// NewServer builds the API for backend, which is connected to devicePath.
func NewServer(backend Backend, devicePath string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		backend:    backend,
		devicePath: devicePath,
		id:         uuid.NewString(),
		log:        log,
	}
	s.routes()
	return s
}

// ID identifies this proxy instance in the registry.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler wraps the API with request logging, panic recovery and metrics.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.recoveryMiddleware(metrics.Middleware(s)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api", s.handleIdentity)
	s.mux.HandleFunc("POST /api/run-script", s.handleRunScript)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) identity() Identity {
	info := s.backend.Info()
	return Identity{
		DeviceID:  s.devicePath,
		SessionID: s.id,
		Transport: info.Kind.String(),
		Mode:      info.Mode.String(),
		Connected: info.Conn == repl.StateOpen,
	}
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.identity())
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RunResponse{Error: fmt.Sprintf("read body: %v", err)})
		return
	}
	if len(body) > maxScriptSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, RunResponse{Error: "script too large"})
		return
	}

	req := RunRequest{Script: string(body)}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req = RunRequest{}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, RunResponse{Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	if strings.TrimSpace(req.Script) == "" {
		writeJSON(w, http.StatusBadRequest, RunResponse{Error: "no script in request body"})
		return
	}

	out, err := s.backend.RunScript(r.Context(), req.Script, repl.ScriptOptions{
		StayInRaw: req.StayInRaw,
		Broadcast: req.Broadcast,
		NoDedent:  req.NoDedent,
		NoWait:    req.NoWait,
	})
	if err != nil {
		status, kind := classify(err)
		writeJSON(w, status, RunResponse{Error: err.Error(), ErrorKind: kind})
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Success: true, Output: out})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, repl.ErrScriptExecution):
		return http.StatusUnprocessableEntity, "script"
	case errors.Is(err, repl.ErrNotConnected), errors.Is(err, repl.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic", zap.String("path", r.URL.Path), zap.Any("panic", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

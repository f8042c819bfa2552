// Package runner implements the container tier: docker lifecycle, launch
// policy, the PTY/exec/LSP WebSocket terminators, and the preview reverse
// proxy. Callers are authenticated with the shared-secret header only; user
// identity never reaches this tier.
package runner

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/config"
	"github.com/cloudide/cloudide/internal/ids"
)

// SecretHeader authenticates broker traffic.
const SecretHeader = "X-Runner-Secret"

// Server is the runner HTTP server.
type Server struct {
	cfg        *config.Runner
	lifecycle  *Lifecycle
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

// New creates a runner server over the given docker engine.
func New(cfg *config.Runner, docker Docker) *Server {
	s := &Server{
		cfg:       cfg,
		lifecycle: NewLifecycle(cfg, docker),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Only the broker dials this tier and it authenticates with the
			// shared secret, not an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would set a deadline on the underlying conn
	// before the handler runs and kill long-lived WebSocket connections.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /containers/start", s.withSecret(s.handleStart))
	mux.HandleFunc("POST /containers/exec", s.withSecret(s.handleExec))
	mux.HandleFunc("POST /containers/stop", s.withSecret(s.handleStop))
	mux.HandleFunc("GET /containers/status", s.withSecret(s.handleStatus))
	mux.HandleFunc("POST /containers/port/open", s.withSecret(s.handlePortOpen))

	mux.HandleFunc("GET /ws/pty", s.withSecret(s.handlePTYWS))
	mux.HandleFunc("GET /ws/exec", s.withSecret(s.handleExecWS))
	mux.HandleFunc("GET /ws/lsp", s.withSecret(s.handleLSPWS))

	mux.HandleFunc("/preview/{workspaceId}/{port}", s.withSecret(s.handlePreview))
	mux.HandleFunc("/preview/{workspaceId}/{port}/{suffix...}", s.withSecret(s.handlePreview))
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("Starting runner", "addr", s.httpServer.Addr, "network", s.cfg.WorkspaceNetwork)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withSecret rejects requests whose shared-secret header does not match,
// using a constant-time comparison.
func (s *Server) withSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.SharedSecret)) != 1 {
			apierr.WriteKind(w, apierr.KindUnauthorized, "invalid runner secret")
			return
		}
		next(w, r)
	}
}

// version is stamped by the release build via -ldflags.
var version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

type startRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	AllowEgress bool              `json:"allowEgress"`
	Env         map[string]string `json:"env"`
	CPULimit    string            `json:"cpuLimit"`
	MemLimit    string            `json:"memLimit"`
	PidsLimit   int               `json:"pidsLimit"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if err := ids.Validate(req.WorkspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	err := s.lifecycle.EnsureRunning(r.Context(), StartOptions{
		WorkspaceID: req.WorkspaceID,
		AllowEgress: req.AllowEgress,
		Env:         req.Env,
		CPULimit:    req.CPULimit,
		MemLimit:    req.MemLimit,
		PidsLimit:   req.PidsLimit,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": StateRunning})
}

type execRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	Cmd         string            `json:"cmd"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if err := ids.Validate(req.WorkspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	if req.Cmd == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "cmd is required")
		return
	}
	result, err := s.lifecycle.Exec(r.Context(), ExecOptions{
		WorkspaceID: req.WorkspaceID,
		Cmd:         req.Cmd,
		Cwd:         req.Cwd,
		Env:         req.Env,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if err := ids.Validate(req.WorkspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := s.lifecycle.Stop(r.Context(), req.WorkspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": StateAbsent})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspaceId")
	if err := ids.Validate(workspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	state, err := s.lifecycle.Status(r.Context(), workspaceID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (s *Server) handlePortOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
		Port        int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if err := ids.Validate(req.WorkspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "port out of range")
		return
	}
	open, err := s.lifecycle.PortOpen(r.Context(), req.WorkspaceID, req.Port)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"open": open})
}

// wsWorkspaceID validates the workspaceId query parameter before upgrade.
func wsWorkspaceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	workspaceID := r.URL.Query().Get("workspaceId")
	if err := ids.Validate(workspaceID); err != nil {
		apierr.Write(w, err)
		return "", false
	}
	return workspaceID, true
}

// closeDeadline is the write deadline for WebSocket close control frames.
func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// parsePort parses a decimal port and checks its range.
func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, apierr.New(apierr.KindInvalidPayload, "invalid port %q", raw)
	}
	return port, nil
}

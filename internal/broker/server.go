// Package broker implements the control tier: user auth, workspace CRUD and
// settings, file/search/git/task endpoints, the WebSocket gateway, and the
// preview front door. It is the only tier that resolves user identity; the
// runner behind it trusts the shared secret.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/config"
	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/ratelimit"
	"github.com/cloudide/cloudide/internal/runnerclient"
	"github.com/cloudide/cloudide/internal/secrets"
	"github.com/cloudide/cloudide/internal/store"
)

// Server is the broker HTTP server.
type Server struct {
	cfg        *config.Broker
	store      *store.Store
	tokens     *auth.Tokens
	box        *secrets.Box
	runner     *runnerclient.Client
	loginLimit *ratelimit.PerIP
	startLimit *ratelimit.PerIP
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time

	searchMu    sync.Mutex
	searchCache map[string]cachedFileList
}

// New creates a broker server. The store is opened (and migrated) here.
func New(cfg *config.Broker) (*Server, error) {
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("create token signer: %w", err)
	}
	box, err := secrets.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create secret box: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil && filepath.Dir(cfg.DBPath) != "." {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacesRoot, 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create workspaces root: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		store:       st,
		tokens:      tokens,
		box:         box,
		runner:      runnerclient.New(cfg.RunnerURL, cfg.RunnerWSURL, cfg.RunnerSharedSecret),
		loginLimit:  ratelimit.NewPerIP(cfg.LoginRateMax, cfg.LoginRateWindow),
		startLimit:  ratelimit.NewPerIP(cfg.StartRateMax, cfg.StartRateWindow),
		startedAt:   time.Now(),
		searchCache: make(map[string]cachedFileList),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return s.originAllowed(origin)
		},
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would set a deadline on the underlying conn
	// before the handler runs and kill hijacked WebSocket connections.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.corsMiddleware(mux),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", s.withAuth(s.handleMe))

	mux.HandleFunc("GET /api/workspaces", s.withAuth(s.handleListWorkspaces))
	mux.HandleFunc("POST /api/workspaces", s.withAuth(s.handleCreateWorkspace))
	mux.HandleFunc("GET /api/workspaces/{id}", s.withAuth(s.handleGetWorkspace))
	mux.HandleFunc("PATCH /api/workspaces/{id}", s.withAuth(s.handleRenameWorkspace))
	mux.HandleFunc("DELETE /api/workspaces/{id}", s.withAuth(s.handleDeleteWorkspace))
	mux.HandleFunc("GET /api/workspaces/{id}/settings", s.withAuth(s.handleGetSettings))
	mux.HandleFunc("PUT /api/workspaces/{id}/settings", s.withAuth(s.handlePutSettings))
	mux.HandleFunc("POST /api/workspaces/{id}/start", s.withAuth(s.handleStartWorkspace))
	mux.HandleFunc("POST /api/workspaces/{id}/stop", s.withAuth(s.handleStopWorkspace))
	mux.HandleFunc("GET /api/workspaces/{id}/ports/{port}", s.withAuth(s.handleWorkspacePortOpen))

	mux.HandleFunc("GET /api/files/{ws}/list", s.withAuth(s.handleFileList))
	mux.HandleFunc("GET /api/files/{ws}/read", s.withAuth(s.handleFileRead))
	mux.HandleFunc("PUT /api/files/{ws}/write", s.withAuth(s.handleFileWrite))
	mux.HandleFunc("POST /api/files/{ws}/create", s.withAuth(s.handleFileCreate))
	mux.HandleFunc("PATCH /api/files/{ws}/rename", s.withAuth(s.handleFileRename))
	mux.HandleFunc("DELETE /api/files/{ws}/delete", s.withAuth(s.handleFileDelete))

	mux.HandleFunc("GET /api/search/{ws}/files", s.withAuth(s.handleFileSearch))
	mux.HandleFunc("POST /api/search/{ws}/text", s.withAuth(s.handleTextSearch))

	mux.HandleFunc("POST /api/git/{ws}/{op}", s.withAuth(s.handleGitCommand))
	mux.HandleFunc("GET /api/git/{ws}/{op}", s.withAuth(s.handleGitQuery))
	mux.HandleFunc("DELETE /api/git/{ws}/credentials", s.withAuth(s.handleDeleteGitCredential))

	mux.HandleFunc("POST /api/tasks/{ws}/tasks/run", s.withAuth(s.handleTaskRun))

	mux.HandleFunc("GET /ws/files", s.handleFilesWS)
	mux.HandleFunc("GET /ws/terminal", s.handleGatewayWS("/ws/pty"))
	mux.HandleFunc("GET /ws/lsp", s.handleGatewayWS("/ws/lsp"))
	mux.HandleFunc("GET /ws/tasks", s.handleGatewayWS("/ws/exec"))

	mux.HandleFunc("/preview/{workspaceId}/{port}", s.handlePreview)
	mux.HandleFunc("/preview/{workspaceId}/{port}/{suffix...}", s.handlePreview)
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	slog.Info("Starting broker", "addr", s.httpServer.Addr, "runner", s.cfg.RunnerURL)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down and closes the store.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.store.Close(); cerr != nil {
		slog.Warn("Failed to close store", "error", cerr)
	}
	return err
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

// authedHandler receives the verified session claims.
type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

// withAuth verifies the bearer token and passes claims through.
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			apierr.WriteKind(w, apierr.KindUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			apierr.WriteKind(w, apierr.KindUnauthorized, "invalid token")
			return
		}
		next(w, r, claims)
	}
}

// requireWorkspace is the single read path for workspace-scoped handlers:
// validate the id, then load by (id, user). Absence and foreign ownership
// are both NOT_FOUND.
func (s *Server) requireWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims, pathParam string) (*store.Workspace, bool) {
	id := r.PathValue(pathParam)
	if err := ids.Validate(id); err != nil {
		apierr.Write(w, err)
		return nil, false
	}
	ws, err := s.store.GetWorkspace(id, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "workspace not found")
		} else {
			apierr.Write(w, err)
		}
		return nil, false
	}
	return ws, true
}

// workspaceRoot is the on-disk directory for a workspace.
func (s *Server) workspaceRoot(workspaceID string) string {
	return filepath.Join(s.cfg.WorkspacesRoot, workspaceID)
}

// corsMiddleware applies the origin policy to plain HTTP requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed implements the CORS policy: explicit list, "*", or (outside
// production) localhost and RFC1918 IPv4 origins.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if s.cfg.Production {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return isRFC1918(ip)
}

func isRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

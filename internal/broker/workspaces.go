package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/ratelimit"
	"github.com/cloudide/cloudide/internal/runnerclient"
	"github.com/cloudide/cloudide/internal/store"
	"github.com/cloudide/cloudide/internal/templates"
)

const (
	minWorkspaceNameLen = 2
	maxWorkspaceNameLen = 120
)

// settingsCommandKeys is the closed set of command map keys.
var settingsCommandKeys = map[string]bool{
	"run":     true,
	"build":   true,
	"test":    true,
	"preview": true,
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	workspaces, err := s.store.ListWorkspaces(claims.Subject)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) < minWorkspaceNameLen || len(name) > maxWorkspaceNameLen {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "name must be %d-%d characters", minWorkspaceNameLen, maxWorkspaceNameLen)
		return
	}
	if !templates.Known(req.Template) {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "unknown template %q", req.Template)
		return
	}

	ws := store.Workspace{
		ID:       ids.NewWorkspaceID(),
		UserID:   claims.Subject,
		Name:     name,
		Template: req.Template,
	}
	if err := s.store.CreateWorkspace(ws, store.DefaultSettings(s.cfg.DefaultAllowEgress)); err != nil {
		apierr.Write(w, err)
		return
	}

	root := s.workspaceRoot(ws.ID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := templates.Scaffold(root, ws.Template); err != nil {
		slog.Error("Template scaffold failed", "workspaceId", ws.ID, "template", ws.Template, "error", err)
		apierr.Write(w, err)
		return
	}

	created, err := s.store.GetWorkspace(ws.ID, claims.Subject)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	apierr.WriteJSON(w, http.StatusOK, ws)
}

func (s *Server) handleRenameWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) < minWorkspaceNameLen || len(name) > maxWorkspaceNameLen {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "name must be %d-%d characters", minWorkspaceNameLen, maxWorkspaceNameLen)
		return
	}
	if err := s.store.RenameWorkspace(ws.ID, claims.Subject, name); err != nil {
		apierr.Write(w, err)
		return
	}
	updated, err := s.store.GetWorkspace(ws.ID, claims.Subject)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}

	// Container stop is best-effort: a runner hiccup must not block the
	// delete. Stop is idempotent, so a stale container can be reaped later.
	if err := s.runner.Stop(r.Context(), ws.ID); err != nil {
		slog.Warn("Runner stop during delete failed", "workspaceId", ws.ID, "error", err)
	}

	if err := s.store.DeleteWorkspace(ws.ID, claims.Subject); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := os.RemoveAll(s.workspaceRoot(ws.ID)); err != nil {
		slog.Warn("Workspace root removal failed", "workspaceId", ws.ID, "error", err)
	}
	s.dropFileListCache(ws.ID)
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	settings, err := s.store.GetSettings(ws.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	var settings store.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if err := validateSettings(settings); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := s.store.PutSettings(ws.ID, settings); err != nil {
		apierr.Write(w, err)
		return
	}
	updated, err := s.store.GetSettings(ws.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, updated)
}

// validateSettings enforces the settings document shape. PUT replaces the
// whole document, so every field is checked.
func validateSettings(settings store.Settings) error {
	for key := range settings.Commands {
		if !settingsCommandKeys[key] {
			return apierr.New(apierr.KindInvalidPayload, "unknown command key %q", key)
		}
	}
	if settings.PreviewPort < 0 || settings.PreviewPort > 65535 {
		return apierr.New(apierr.KindInvalidPayload, "previewPort out of range")
	}
	for key := range settings.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return apierr.New(apierr.KindInvalidPayload, "invalid env key %q", key)
		}
	}
	return nil
}

func (s *Server) handleStartWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if !s.startLimit.Allow(ratelimit.SourceIP(r)) {
		apierr.WriteKind(w, apierr.KindRateLimited, "too many start requests")
		return
	}
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	settings, err := s.store.GetSettings(ws.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.runner.Start(r.Context(), runnerclient.StartRequest{
		WorkspaceID: ws.ID,
		AllowEgress: settings.AllowEgress,
		Env:         settings.Env,
		CPULimit:    s.cfg.DefaultCPULimit,
		MemLimit:    s.cfg.DefaultMemLimit,
		PidsLimit:   s.cfg.DefaultPidsLimit,
	}); err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleStopWorkspace(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	if err := s.runner.Stop(r.Context(), ws.ID); err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleWorkspacePortOpen asks the runner whether the container listens on a
// port. The preview UI polls this before opening a preview tab.
func (s *Server) handleWorkspacePortOpen(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "id")
	if !ok {
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 1 || port > 65535 {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "port must be 1-65535")
		return
	}
	open, err := s.runner.PortOpen(r.Context(), ws.ID, port)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"open": open})
}

// ensureRunning brings the workspace container up with its settings-derived
// limits. Shared by the WebSocket gateway and the preview front door.
func (s *Server) ensureRunning(r *http.Request, workspaceID string) error {
	settings, err := s.store.GetSettings(workspaceID)
	if err != nil {
		return err
	}
	return s.runner.Start(r.Context(), runnerclient.StartRequest{
		WorkspaceID: workspaceID,
		AllowEgress: settings.AllowEgress,
		Env:         settings.Env,
		CPULimit:    s.cfg.DefaultCPULimit,
		MemLimit:    s.cfg.DefaultMemLimit,
		PidsLimit:   s.cfg.DefaultPidsLimit,
	})
}

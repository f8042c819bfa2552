package broker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/runnerclient"
)

// taskKinds is the closed set of runnable tasks. "custom" carries its own
// command; the rest resolve through workspace settings.
var taskKinds = map[string]bool{
	"run":     true,
	"build":   true,
	"test":    true,
	"preview": true,
	"custom":  true,
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	var req struct {
		Task    string `json:"task"`
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if !taskKinds[req.Task] {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "unknown task %q", req.Task)
		return
	}

	settings, err := s.store.GetSettings(ws.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	cmd := req.Command
	if req.Task != "custom" {
		cmd = settings.Commands[req.Task]
	}
	if strings.TrimSpace(cmd) == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "no command configured for task %q", req.Task)
		return
	}

	if err := s.ensureRunning(r, ws.ID); err != nil {
		apierr.Write(w, err)
		return
	}
	result, err := s.runner.Exec(r.Context(), runnerclient.ExecRequest{
		WorkspaceID: ws.ID,
		Cmd:         cmd,
		Env:         settings.Env,
	})
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, result)
}

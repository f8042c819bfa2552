package broker

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/cloudide/cloudide/internal/apierr"
)

// handlePreview is the authenticated front door for preview traffic. The
// ownership check runs on every request, not just the first; the runner then
// strips the token before anything reaches the workspace process.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceForToken(w, r, r.PathValue("workspaceId"))
	if !ok {
		return
	}

	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 1 || port > 65535 {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid preview port")
		return
	}

	if err := s.ensureRunning(r, ws.ID); err != nil {
		apierr.Write(w, err)
		return
	}

	path := fmt.Sprintf("/preview/%s/%d", ws.ID, port)
	if suffix := r.PathValue("suffix"); suffix != "" {
		path += "/" + suffix
	}
	s.runner.Forward(w, r, path)
}

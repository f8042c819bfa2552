package runner

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/ids"
)

// handlePreview reverse-proxies a request into the workspace container's
// private network address. The broker has already authenticated the user;
// this tier only validates the target.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if err := ids.Validate(workspaceID); err != nil {
		apierr.Write(w, err)
		return
	}
	port, err := parsePort(r.PathValue("port"))
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.lifecycle.EnsureRunning(r.Context(), StartOptions{
		WorkspaceID: workspaceID,
		AllowEgress: s.cfg.DefaultAllowEgress,
	}); err != nil {
		apierr.Write(w, err)
		return
	}

	ip, err := s.lifecycle.ContainerIP(r.Context(), workspaceID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	suffix := r.PathValue("suffix")
	target := fmt.Sprintf("http://%s:%d/%s", ip, port, suffix)

	// The session token rides in the query string (iframe constraint); it
	// must not reach the workspace process.
	query := r.URL.Query()
	query.Del("token")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	if _, err := url.Parse(target); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid preview target")
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstreamFailed, "build preview request failed")
		return
	}
	for _, h := range []string{"Accept", "User-Agent", "Content-Type"} {
		if v := r.Header.Get(h); v != "" {
			upstream.Header.Set(h, v)
		}
	}

	resp, err := http.DefaultClient.Do(upstream)
	if err != nil {
		slog.Debug("Preview upstream unreachable", "workspaceId", workspaceID, "port", port, "error", err)
		apierr.WriteKind(w, apierr.KindUpstreamFailed, "preview target unreachable")
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

package broker

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/cloudide/cloudide/internal/apierr"
)

// handleGatewayWS returns a handler that bridges a client WebSocket to the
// runner terminator at runnerPath. The runner never sees the user token; the
// broker re-authenticates here and dials with the shared secret.
func (s *Server) handleGatewayWS(runnerPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := s.workspaceForToken(w, r, r.URL.Query().Get("workspaceId"))
		if !ok {
			return
		}
		if err := s.ensureRunning(r, ws.ID); err != nil {
			apierr.Write(w, err)
			return
		}

		query := url.Values{"workspaceId": {ws.ID}}
		if lang := r.URL.Query().Get("language"); lang != "" {
			query.Set("language", lang)
		}
		upstream, err := s.runner.DialWS(r.Context(), runnerPath, query)
		if err != nil {
			apierr.Write(w, err)
			return
		}

		client, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			upstream.Close()
			return
		}

		pipeWS(client, upstream)
	}
}

// pipeWS copies frames in both directions until either side closes. Message
// type and per-direction ordering are preserved.
func pipeWS(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	copyFrames := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}

	go copyFrames(upstream, client)
	go copyFrames(client, upstream)

	<-done
	client.Close()
	upstream.Close()
	<-done
}

package runner

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/exec"
	"path"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/lspframe"
	"github.com/cloudide/cloudide/internal/shellquote"
)

// handleLSPWS bridges a language server's stdio to the WebSocket using LSP
// Base Protocol framing. Each inbound text frame is one JSON-RPC body; each
// outbound frame is one decoded body from the server's stdout.
func (s *Server) handleLSPWS(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := wsWorkspaceID(w, r)
	if !ok {
		return
	}
	language := r.URL.Query().Get("language")
	serverCmd, known := LanguageServerCommand(language)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("LSP websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if !known {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "UNSUPPORTED_LANGUAGE"),
			closeDeadline())
		return
	}

	name := ids.ContainerName(workspaceID)
	dir := path.Join(s.cfg.WorkspacesRoot, workspaceID)
	script := "cd " + shellquote.Quote(dir) + " && " + serverCmd

	cmd := exec.Command(s.cfg.DockerBin, "exec", "-i", name, "sh", "-lc", script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		slog.Error("LSP stdin pipe failed", "error", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Error("LSP stdout pipe failed", "error", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		slog.Error("LSP stderr pipe failed", "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		slog.Error("LSP server start failed", "language", language, "error", err)
		return
	}
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}()

	var writeMu sync.Mutex
	writeText := func(body []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, body)
	}

	done := make(chan struct{})

	// Server stdout → client, reframed message by message.
	go func() {
		defer close(done)
		decoder := lspframe.NewDecoder()
		buf := make([]byte, 8192)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				for _, body := range decoder.Feed(buf[:n]) {
					if werr := writeText(body); werr != nil {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Server stderr → client as log notifications.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			note, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"method":  "window/logMessage",
				"params": map[string]any{
					"type":    2,
					"message": scanner.Text(),
				},
			})
			if err != nil {
				continue
			}
			if werr := writeText(note); werr != nil {
				return
			}
		}
	}()

	// Client → server stdin with Content-Length framing.
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if _, err := stdin.Write(lspframe.Encode(message)); err != nil {
			slog.Debug("LSP stdin write error", "error", err)
			break
		}
	}

	// Client closed: kill the server so the stdout reader unblocks.
	stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
}

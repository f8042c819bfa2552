package runner

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os/exec"
	"path"
	"sync"

	"github.com/creack/pty"

	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/shellquote"
)

// ptyFrame is the terminal wire protocol. Client sends input and resize,
// server sends output.
type ptyFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handlePTYWS attaches an interactive shell inside the workspace container
// to the WebSocket.
func (s *Server) handlePTYWS(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := wsWorkspaceID(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("PTY websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	name := ids.ContainerName(workspaceID)
	dir := path.Join(s.cfg.WorkspacesRoot, workspaceID)
	script := "cd " + shellquote.Quote(dir) + " && exec bash"

	cmd := exec.Command(s.cfg.DockerBin, "exec", "-it",
		"-e", "TERM=xterm-256color", name, "bash", "-lc", script)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		slog.Error("PTY start failed", "workspaceId", workspaceID, "error", err)
		_ = conn.WriteJSON(ptyFrame{Type: "error", Data: "failed to start terminal"})
		return
	}
	defer func() {
		ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}()

	var writeMu sync.Mutex

	// PTY output reader. EOF from the PTY closes the socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				writeMu.Lock()
				werr := conn.WriteJSON(ptyFrame{Type: "output", Data: string(buf[:n])})
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame ptyFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Debug("Invalid PTY frame", "error", err)
			continue
		}
		switch frame.Type {
		case "input":
			if _, err := ptmx.Write([]byte(frame.Data)); err != nil {
				slog.Debug("PTY write error", "error", err)
			}
		case "resize":
			if frame.Cols > 0 && frame.Rows > 0 {
				_ = pty.Setsize(ptmx, &pty.Winsize{
					Rows: uint16(frame.Rows),
					Cols: uint16(frame.Cols),
				})
			}
		default:
			slog.Debug("Unknown PTY frame type", "type", frame.Type)
		}
	}

	// Client closed. Kill the shell so the reader unblocks.
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
}

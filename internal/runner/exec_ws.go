package runner

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"path"
	"sync"

	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/shellquote"
)

// execFrame is the streamed-exec wire protocol. The client issues run
// frames; the server streams stdout/stderr chunks and a final exit frame.
type execFrame struct {
	Type string            `json:"type"`
	Cmd  string            `json:"cmd,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Data string            `json:"data,omitempty"`
	Code int               `json:"code,omitempty"`
}

// handleExecWS runs commands inside the workspace container, streaming
// output. Runs are sequential on one socket; a run frame arriving while one
// is active is rejected with an error frame.
func (s *Server) handleExecWS(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := wsWorkspaceID(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Exec websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(f execFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	var runMu sync.Mutex
	running := false
	var activeCmd *exec.Cmd

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame execFrame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type != "run" {
			_ = writeFrame(execFrame{Type: "error", Data: "expected a run frame"})
			continue
		}
		if frame.Cmd == "" {
			_ = writeFrame(execFrame{Type: "error", Data: "cmd is required"})
			continue
		}

		runMu.Lock()
		if running {
			runMu.Unlock()
			_ = writeFrame(execFrame{Type: "error", Data: "a command is already running"})
			continue
		}
		running = true
		runMu.Unlock()

		// Start synchronously so activeCmd always has a live process by the
		// time it is published; the close path below relies on that.
		cmd := s.buildExecCommand(workspaceID, frame)
		stdout, stderr, err := startExec(cmd)
		if err != nil {
			_ = writeFrame(execFrame{Type: "error", Data: err.Error()})
			runMu.Lock()
			running = false
			runMu.Unlock()
			continue
		}
		runMu.Lock()
		activeCmd = cmd
		runMu.Unlock()

		go func() {
			code := streamExec(cmd, stdout, stderr, writeFrame)
			_ = writeFrame(execFrame{Type: "exit", Code: code})
			runMu.Lock()
			running = false
			activeCmd = nil
			runMu.Unlock()
		}()
	}

	// Client closed: terminate any in-flight command.
	runMu.Lock()
	if activeCmd != nil && activeCmd.Process != nil {
		_ = activeCmd.Process.Kill()
	}
	runMu.Unlock()
}

func (s *Server) buildExecCommand(workspaceID string, frame execFrame) *exec.Cmd {
	name := ids.ContainerName(workspaceID)
	dir := path.Join(s.cfg.WorkspacesRoot, workspaceID)
	if frame.Cwd != "" {
		dir = path.Join(dir, frame.Cwd)
	}
	script := "cd " + shellquote.Quote(dir) + " && " + frame.Cmd

	args := []string{"exec", "-i"}
	for _, kv := range envPairs(frame.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, name, "sh", "-lc", script)
	return exec.Command(s.cfg.DockerBin, args...)
}

// startExec wires the output pipes and starts cmd.
func startExec(cmd *exec.Cmd) (stdout, stderr io.ReadCloser, err error) {
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.New("failed to open stdout")
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.New("failed to open stderr")
	}
	if err = cmd.Start(); err != nil {
		return nil, nil, errors.New("failed to start command")
	}
	return stdout, stderr, nil
}

// streamExec forwards stdout and stderr chunks of an already-started cmd as
// frames and returns the exit code.
func streamExec(cmd *exec.Cmd, stdout, stderr io.Reader, writeFrame func(execFrame) error) int {
	var wg sync.WaitGroup
	pump := func(r io.Reader, frameType string) {
		defer wg.Done()
		reader := bufio.NewReader(r)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if werr := writeFrame(execFrame{Type: frameType, Data: string(buf[:n])}); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump(stdout, "stdout")
	go pump(stderr, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if code := exitCode(err); code >= 0 {
			return code
		}
		return -1
	}
	return 0
}

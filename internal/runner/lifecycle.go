package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/config"
	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/shellquote"
)

// Container states surfaced by Status.
const (
	StateAbsent  = "absent"
	StateCreated = "created"
	StateRunning = "running"
	StateStopped = "stopped"
)

// ExecOptions describe one command invocation inside a container.
type ExecOptions struct {
	WorkspaceID string
	Cmd         string
	Cwd         string
	Env         map[string]string
}

// ExecResult is the buffered outcome of an exec.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// pendingStart is one in-flight ensure-running operation. Concurrent
// callers for the same workspace wait on done and share err.
type pendingStart struct {
	done chan struct{}
	err  error
}

// Lifecycle owns container state transitions. The starts map is the only
// shared mutable state; entries exist exactly while a start is in flight.
type Lifecycle struct {
	cfg    *config.Runner
	docker Docker

	mu     sync.Mutex
	starts map[string]*pendingStart
}

// NewLifecycle creates a lifecycle manager over the given docker engine.
func NewLifecycle(cfg *config.Runner, docker Docker) *Lifecycle {
	return &Lifecycle{
		cfg:    cfg,
		docker: docker,
		starts: make(map[string]*pendingStart),
	}
}

// EnsureRunning brings the workspace container to the running state. It is
// idempotent and serialised per workspace id: N concurrent callers issue at
// most one docker run.
func (l *Lifecycle) EnsureRunning(ctx context.Context, opts StartOptions) error {
	l.mu.Lock()
	if p, ok := l.starts[opts.WorkspaceID]; ok {
		l.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingStart{done: make(chan struct{})}
	l.starts[opts.WorkspaceID] = p
	l.mu.Unlock()

	p.err = l.ensure(ctx, opts)
	close(p.done)

	l.mu.Lock()
	delete(l.starts, opts.WorkspaceID)
	l.mu.Unlock()

	return p.err
}

func (l *Lifecycle) ensure(ctx context.Context, opts StartOptions) error {
	name := ids.ContainerName(opts.WorkspaceID)

	switch state, err := l.inspectState(ctx, name); {
	case err != nil:
		return err
	case state == StateRunning:
		return nil
	case state == StateCreated || state == StateStopped:
		return l.startExisting(ctx, name)
	}

	_, stderr, err := l.docker.Command(ctx, launchArgs(l.cfg, opts, l.cfg.SeccompProfile)...)
	if err == nil {
		return nil
	}

	if isNameConflict(stderr) {
		// Lost a race outside our own lock (another runner process or a
		// manual docker run). Resume the extant container.
		state, inspectErr := l.inspectState(ctx, name)
		if inspectErr != nil {
			return inspectErr
		}
		if state == StateRunning {
			return nil
		}
		return l.startExisting(ctx, name)
	}

	if isSeccompUnavailable(stderr) && l.cfg.SeccompProfile != "" && l.cfg.AllowSeccompFallback {
		slog.Warn("Seccomp profile unavailable, retrying without profile",
			"workspaceId", opts.WorkspaceID, "profile", l.cfg.SeccompProfile)
		_, stderr2, err2 := l.docker.Command(ctx, launchArgs(l.cfg, opts, "")...)
		if err2 == nil {
			return nil
		}
		return apierr.Wrap(apierr.KindContainerStart, err2, "container start failed: %s", firstStderrLine(stderr2))
	}

	return apierr.Wrap(apierr.KindContainerStart, err, "container start failed: %s", firstStderrLine(stderr))
}

func (l *Lifecycle) startExisting(ctx context.Context, name string) error {
	_, stderr, err := l.docker.Command(ctx, "start", name)
	if err != nil {
		return apierr.Wrap(apierr.KindContainerStart, err, "container start failed: %s", firstStderrLine(stderr))
	}
	return nil
}

// Status reports the derived container state for a workspace.
func (l *Lifecycle) Status(ctx context.Context, workspaceID string) (string, error) {
	return l.inspectState(ctx, ids.ContainerName(workspaceID))
}

func (l *Lifecycle) inspectState(ctx context.Context, name string) (string, error) {
	stdout, stderr, err := l.docker.Command(ctx, "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return StateAbsent, nil
		}
		return "", apierr.Wrap(apierr.KindContainerStart, err, "container inspect failed: %s", firstStderrLine(stderr))
	}
	switch strings.TrimSpace(stdout) {
	case "running", "restarting":
		return StateRunning, nil
	case "created":
		return StateCreated, nil
	default:
		return StateStopped, nil
	}
}

// Stop force-removes the workspace container. A missing container is not an
// error: the target state is already reached.
func (l *Lifecycle) Stop(ctx context.Context, workspaceID string) error {
	name := ids.ContainerName(workspaceID)
	_, stderr, err := l.docker.Command(ctx, "rm", "-f", name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return nil
		}
		return apierr.Wrap(apierr.KindContainerStop, err, "container stop failed: %s", firstStderrLine(stderr))
	}
	return nil
}

// Exec runs a command inside the running workspace container, buffering its
// output. A non-zero exit code is a result, not an error.
func (l *Lifecycle) Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	name := ids.ContainerName(opts.WorkspaceID)

	dir := path.Join(l.cfg.WorkspacesRoot, opts.WorkspaceID)
	if opts.Cwd != "" {
		dir = path.Join(dir, opts.Cwd)
	}
	script := "cd " + shellquote.Quote(dir) + " && " + opts.Cmd

	args := []string{"exec", "-i"}
	for _, kv := range envPairs(opts.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, name, "sh", "-lc", script)

	stdout, stderr, err := l.docker.Command(ctx, args...)
	if err != nil {
		code := exitCode(err)
		if code < 0 {
			return nil, apierr.Wrap(apierr.KindContainerExec, err, "container exec failed: %s", firstStderrLine(stderr))
		}
		return &ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	}
	return &ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: 0}, nil
}

// ContainerIP resolves the container's primary network address.
func (l *Lifecycle) ContainerIP(ctx context.Context, workspaceID string) (string, error) {
	name := ids.ContainerName(workspaceID)
	stdout, stderr, err := l.docker.Command(ctx,
		"inspect", "-f", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", name)
	if err != nil {
		return "", apierr.Wrap(apierr.KindContainerStart, err, "container inspect failed: %s", firstStderrLine(stderr))
	}
	ip := strings.TrimSpace(stdout)
	if ip == "" {
		return "", apierr.New(apierr.KindContainerStart, "container has no network address")
	}
	return ip, nil
}

// PortOpen reports whether a process inside the container listens on port.
// Reads /proc/net/tcp{,6} rather than requiring ss or netstat in the image.
func (l *Lifecycle) PortOpen(ctx context.Context, workspaceID string, port int) (bool, error) {
	result, err := l.Exec(ctx, ExecOptions{
		WorkspaceID: workspaceID,
		Cmd:         "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null || true",
	})
	if err != nil {
		return false, err
	}
	return listensOn(result.Stdout, port), nil
}

// listensOn scans /proc/net/tcp content for a LISTEN socket on port.
func listensOn(procNetTCP string, port int) bool {
	want := fmt.Sprintf(":%04X", port)
	for _, line := range strings.Split(procNetTCP, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// fields[1] local address "0100007F:0BB8", fields[3] state, 0A = LISTEN.
		if fields[3] == "0A" && strings.HasSuffix(fields[1], want) {
			return true
		}
	}
	return false
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func isNameConflict(stderr string) bool {
	return strings.Contains(stderr, "is already in use by container") ||
		strings.Contains(stderr, "Conflict.")
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container") ||
		strings.Contains(stderr, "No such object")
}

func isSeccompUnavailable(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "seccomp")
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Docker runs docker CLI invocations. Abstracted so lifecycle tests can
// substitute a fake engine.
type Docker interface {
	// Command runs the docker binary with args and returns captured stdout
	// and stderr. A non-zero exit is returned as the error (exec.ExitError).
	Command(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

// CLI shells out to the configured docker binary.
type CLI struct {
	bin string
}

// NewCLI creates a CLI wrapper for the given binary name or path.
func NewCLI(bin string) *CLI {
	if bin == "" {
		bin = "docker"
	}
	return &CLI{bin: bin}
}

func (c *CLI) Command(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// exitCode extracts the process exit code from a Command error. Returns -1
// when the process never ran.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// firstStderrLine returns the leading line of docker stderr, trimmed, for
// surfacing in API error messages without dumping the full output.
func firstStderrLine(stderr string) string {
	line := stderr
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudide/cloudide/internal/config"
)

const testWorkspaceID = "2b4e9a1c-3f5d-4e6a-89ab-0123456789ab"

func testRunnerConfig() *config.Runner {
	return &config.Runner{
		DockerBin:          "docker",
		WorkspaceImage:     "cloudide/workspace:latest",
		WorkspaceVolume:    "cloudide-workspaces",
		WorkspaceNetwork:   "bridge",
		WorkspacesRoot:     "/workspaces",
		DefaultCPULimit:    "1",
		DefaultMemLimit:    "1024m",
		DefaultPidsLimit:   256,
		DefaultAllowEgress: true,
		SeccompProfile:     "default",
		SharedSecret:       "test-secret",
	}
}

// fakeDocker scripts responses per leading docker subcommand.
type fakeDocker struct {
	mu       sync.Mutex
	calls    [][]string
	handlers map[string]func(args []string) (string, string, error)
	runCount atomic.Int64
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{handlers: make(map[string]func([]string) (string, string, error))}
}

func (f *fakeDocker) Command(_ context.Context, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if args[0] == "run" {
		f.runCount.Add(1)
	}
	if h, ok := f.handlers[args[0]]; ok {
		return h(args)
	}
	return "", "", nil
}

func (f *fakeDocker) callsFor(subcommand string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if call[0] == subcommand {
			out = append(out, call)
		}
	}
	return out
}

func notFoundInspect(args []string) (string, string, error) {
	return "", "Error: No such object: " + args[len(args)-1], fmt.Errorf("exit status 1")
}

func TestEnsureRunningSingleFlight(t *testing.T) {
	docker := newFakeDocker()
	docker.handlers["inspect"] = notFoundInspect
	docker.handlers["run"] = func(args []string) (string, string, error) {
		time.Sleep(20 * time.Millisecond)
		return "abc123\n", "", nil
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.EnsureRunning(context.Background(), StartOptions{
				WorkspaceID: testWorkspaceID,
				AllowEgress: true,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := docker.runCount.Load(); got != 1 {
		t.Errorf("docker run invoked %d times, want 1", got)
	}
}

func TestEnsureRunningAlreadyRunning(t *testing.T) {
	docker := newFakeDocker()
	docker.handlers["inspect"] = func(args []string) (string, string, error) {
		return "running\n", "", nil
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	if err := l.EnsureRunning(context.Background(), StartOptions{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if got := docker.runCount.Load(); got != 0 {
		t.Errorf("docker run invoked %d times for a running container", got)
	}
}

func TestEnsureRunningResumesStopped(t *testing.T) {
	docker := newFakeDocker()
	docker.handlers["inspect"] = func(args []string) (string, string, error) {
		return "exited\n", "", nil
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	if err := l.EnsureRunning(context.Background(), StartOptions{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if len(docker.callsFor("start")) != 1 {
		t.Error("stopped container was not started")
	}
	if got := docker.runCount.Load(); got != 0 {
		t.Errorf("docker run invoked %d times for a stopped container", got)
	}
}

func TestEnsureRunningNameConflictResume(t *testing.T) {
	docker := newFakeDocker()
	inspects := 0
	docker.handlers["inspect"] = func(args []string) (string, string, error) {
		inspects++
		if inspects == 1 {
			return notFoundInspect(args)
		}
		return "running\n", "", nil
	}
	docker.handlers["run"] = func(args []string) (string, string, error) {
		return "", `docker: Error response from daemon: Conflict. The container name "/cloudide-ws-x" is already in use by container "abc".`, fmt.Errorf("exit status 125")
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	if err := l.EnsureRunning(context.Background(), StartOptions{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("name conflict not recovered: %v", err)
	}
}

func TestEnsureRunningSeccompFallback(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.SeccompProfile = "/etc/cloudide/seccomp.json"
	cfg.AllowSeccompFallback = true

	docker := newFakeDocker()
	docker.handlers["inspect"] = notFoundInspect
	docker.handlers["run"] = func(args []string) (string, string, error) {
		for _, a := range args {
			if strings.HasPrefix(a, "seccomp=/etc/") {
				return "", "opening seccomp profile (/etc/cloudide/seccomp.json) failed", fmt.Errorf("exit status 125")
			}
		}
		return "abc\n", "", nil
	}
	l := NewLifecycle(cfg, docker)

	if err := l.EnsureRunning(context.Background(), StartOptions{WorkspaceID: testWorkspaceID}); err != nil {
		t.Fatalf("fallback retry failed: %v", err)
	}
	if got := docker.runCount.Load(); got != 2 {
		t.Errorf("docker run invoked %d times, want 2 (original + fallback)", got)
	}
}

func TestEnsureRunningSeccompFallbackDisabled(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.SeccompProfile = "/etc/cloudide/seccomp.json"
	cfg.AllowSeccompFallback = false

	docker := newFakeDocker()
	docker.handlers["inspect"] = notFoundInspect
	docker.handlers["run"] = func(args []string) (string, string, error) {
		return "", "opening seccomp profile failed", fmt.Errorf("exit status 125")
	}
	l := NewLifecycle(cfg, docker)

	if err := l.EnsureRunning(context.Background(), StartOptions{WorkspaceID: testWorkspaceID}); err == nil {
		t.Fatal("start succeeded despite disabled fallback")
	}
	if got := docker.runCount.Load(); got != 1 {
		t.Errorf("docker run invoked %d times, want 1", got)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		inspect string
		want    string
	}{
		{"running", StateRunning},
		{"restarting", StateRunning},
		{"created", StateCreated},
		{"exited", StateStopped},
		{"dead", StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.inspect, func(t *testing.T) {
			docker := newFakeDocker()
			docker.handlers["inspect"] = func(args []string) (string, string, error) {
				return tt.inspect + "\n", "", nil
			}
			l := NewLifecycle(testRunnerConfig(), docker)
			got, err := l.Status(context.Background(), testWorkspaceID)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if got != tt.want {
				t.Errorf("Status = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		docker := newFakeDocker()
		docker.handlers["inspect"] = notFoundInspect
		l := NewLifecycle(testRunnerConfig(), docker)
		got, err := l.Status(context.Background(), testWorkspaceID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got != StateAbsent {
			t.Errorf("Status = %q, want absent", got)
		}
	})
}

func TestStopMissingContainerIsNotAnError(t *testing.T) {
	docker := newFakeDocker()
	docker.handlers["rm"] = func(args []string) (string, string, error) {
		return "", "Error response from daemon: No such container: cloudide-ws-x", fmt.Errorf("exit status 1")
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	if err := l.Stop(context.Background(), testWorkspaceID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestExecWrapsCommand(t *testing.T) {
	docker := newFakeDocker()
	var gotArgs []string
	docker.handlers["exec"] = func(args []string) (string, string, error) {
		gotArgs = args
		return "out", "err", nil
	}
	l := NewLifecycle(testRunnerConfig(), docker)

	result, err := l.Exec(context.Background(), ExecOptions{
		WorkspaceID: testWorkspaceID,
		Cmd:         "make test",
		Env:         map[string]string{"CI": "1"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "out" || result.Stderr != "err" || result.ExitCode != 0 {
		t.Errorf("result = %+v", result)
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "sh -lc") {
		t.Errorf("exec args missing shell wrapper: %v", gotArgs)
	}
	if !strings.Contains(joined, "cd '/workspaces/"+testWorkspaceID+"' && make test") {
		t.Errorf("exec script missing cd prefix: %v", gotArgs)
	}
	if !strings.Contains(joined, "-e CI=1") {
		t.Errorf("env not forwarded: %v", gotArgs)
	}
}

func TestListensOn(t *testing.T) {
	proc := "  sl  local_address rem_address   st\n" +
		"   0: 00000000:0BB8 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000\n" +
		"   1: 0100007F:1F90 0100007F:0016 01 00000000:00000000 00:00000000 00000000  1000\n"

	if !listensOn(proc, 3000) {
		t.Error("port 3000 (0BB8, LISTEN) not detected")
	}
	if listensOn(proc, 8080) {
		t.Error("port 8080 (1F90, ESTABLISHED) reported as listening")
	}
	if listensOn(proc, 22) {
		t.Error("absent port reported as listening")
	}
}

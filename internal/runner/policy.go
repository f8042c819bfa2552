package runner

import (
	"fmt"
	"path"
	"sort"

	"github.com/cloudide/cloudide/internal/config"
	"github.com/cloudide/cloudide/internal/ids"
)

// tmpfsSpec caps the writable /tmp inside the otherwise read-only container.
const tmpfsSpec = "/tmp:rw,noexec,nosuid,size=256m"

// StartOptions are the per-workspace parameters of a container launch.
// Zero-valued limits fall back to the runner defaults.
type StartOptions struct {
	WorkspaceID string
	AllowEgress bool
	Env         map[string]string
	CPULimit    string
	MemLimit    string
	PidsLimit   int
}

// launchArgs builds the docker run argument set for a workspace container.
// seccompProfile follows the config semantics: "default" leaves the engine
// profile in place, "" disables seccomp, anything else is a profile path.
func launchArgs(cfg *config.Runner, opts StartOptions, seccompProfile string) []string {
	name := ids.ContainerName(opts.WorkspaceID)

	cpu := opts.CPULimit
	if cpu == "" {
		cpu = cfg.DefaultCPULimit
	}
	mem := opts.MemLimit
	if mem == "" {
		mem = cfg.DefaultMemLimit
	}
	pids := opts.PidsLimit
	if pids <= 0 {
		pids = cfg.DefaultPidsLimit
	}

	network := cfg.WorkspaceNetwork
	if !opts.AllowEgress {
		network = "none"
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--user", "1000:1000",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	switch seccompProfile {
	case "default":
		// Engine default profile, no flag needed.
	case "":
		args = append(args, "--security-opt", "seccomp=unconfined")
	default:
		args = append(args, "--security-opt", "seccomp="+seccompProfile)
	}
	args = append(args,
		"--read-only",
		"--tmpfs", tmpfsSpec,
		"--cpus", cpu,
		"--memory", mem,
		"--pids-limit", fmt.Sprintf("%d", pids),
		"--network", network,
		"-v", cfg.WorkspaceVolume+":"+cfg.WorkspacesRoot,
		"-w", path.Join(cfg.WorkspacesRoot, opts.WorkspaceID),
	)

	// Deterministic env ordering keeps invocations reproducible.
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args, cfg.WorkspaceImage, "sleep", "infinity")
	return args
}

package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Variables passed through from the host so shells and tools work;
// everything else is hidden from steps.
var hostPassthrough = []string{"PATH", "HOME", "TMPDIR", "USER", "SHELL", "LANG", "TERM"}

// Provisioner creates local execution environments. Each instance gets a
// fresh scratch directory; the target identifier it was expanded for is
// exposed to steps as an environment variable rather than selecting a
// machine, so a full matrix stays runnable on one host.
type Provisioner struct {
	workDir string
	logger  *zap.Logger
}

// NewProvisioner creates a local provisioner. workDir is the repository
// checkout the checkout action resolves paths against; empty means the
// current directory.
func NewProvisioner(workDir string, logger *zap.Logger) *Provisioner {
	if workDir == "" {
		workDir = "."
	}
	return &Provisioner{workDir: workDir, logger: logger}
}

// Provision creates the environment for one instance.
func (p *Provisioner) Provision(ctx context.Context, inst *domain.JobInstance) (domain.Environment, error) {
	scratch, err := os.MkdirTemp("", "checkrun-"+sanitize(inst.ID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	env := &Environment{
		descriptor: inst.OS,
		repoDir:    p.workDir,
		dir:        scratch,
		scratchDir: scratch,
		vars: map[string]string{
			domain.EnvOS:      inst.OS,
			domain.EnvWorkdir: scratch,
		},
		toolchain: inst.Job.Toolchain,
		logger:    p.logger,
	}

	p.logger.Debug("environment provisioned",
		zap.String("instance_id", inst.ID),
		zap.String("os", inst.OS),
		zap.String("scratch_dir", scratch))

	return env, nil
}

// Environment executes an instance's steps on the host. Steps run
// sequentially, so no locking is needed.
type Environment struct {
	descriptor string
	repoDir    string
	dir        string
	scratchDir string
	vars       map[string]string
	toolchain  *domain.Toolchain
	logger     *zap.Logger
}

func (e *Environment) Descriptor() string { return e.descriptor }

func (e *Environment) Setenv(key, value string) { e.vars[key] = value }

// RunCommand executes a command line through the shell in the
// environment's working directory, with only passthrough and instance
// variables visible.
func (e *Environment) RunCommand(ctx context.Context, line string) (string, int, error) {
	cmd := shellCommand(ctx, line)
	cmd.Dir = e.dir
	cmd.Env = e.commandEnv()
	configureCommandProcess(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return "", -1, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		terminateCommandProcess(cmd)
		<-done
		return output.String(), -1, fmt.Errorf("command terminated: %w", ctx.Err())
	case waitErr = <-done:
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return output.String(), exitErr.ExitCode(), nil
		}
		return output.String(), -1, waitErr
	}
	return output.String(), 0, nil
}

// InvokeAction dispatches a named capability.
func (e *Environment) InvokeAction(ctx context.Context, name string, params map[string]string) (string, int, error) {
	switch name {
	case "checkout":
		return e.checkout(params)
	case "toolchain":
		return e.installToolchain(params)
	default:
		return "", -1, fmt.Errorf("unknown action: %s", name)
	}
}

// checkout binds the environment's working directory to a checked-out
// tree. All subsequent commands run there.
func (e *Environment) checkout(params map[string]string) (string, int, error) {
	path := params["path"]
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.repoDir, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", -1, fmt.Errorf("failed to resolve checkout path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", -1, fmt.Errorf("checkout path unavailable: %w", err)
	}
	if !info.IsDir() {
		return "", -1, fmt.Errorf("checkout path is not a directory: %s", abs)
	}

	e.dir = abs
	return fmt.Sprintf("using working tree %s\n", abs), 0, nil
}

// installToolchain makes the job's toolchain available. On a cache hit
// the work is skipped; otherwise every component must resolve on PATH.
func (e *Environment) installToolchain(params map[string]string) (string, int, error) {
	channel := params["channel"]
	var components []string
	if raw := params["components"]; raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				components = append(components, c)
			}
		}
	}
	if e.toolchain != nil {
		if channel == "" {
			channel = e.toolchain.Channel
		}
		if len(components) == 0 {
			components = e.toolchain.Components
		}
	}
	if channel == "" {
		return "", -1, fmt.Errorf("toolchain action requires a channel")
	}

	e.vars["CHECKRUN_TOOLCHAIN"] = channel

	if e.vars[domain.EnvCacheHit] == "1" {
		return fmt.Sprintf("toolchain %s restored from cache\n", channel), 0, nil
	}

	for _, component := range components {
		if _, err := exec.LookPath(component); err != nil {
			return "", 1, fmt.Errorf("toolchain component %q not available: %w", component, err)
		}
	}

	return fmt.Sprintf("toolchain %s ready (%d components verified)\n", channel, len(components)), 0, nil
}

// Close removes the environment's scratch directory. The checked-out
// tree is never touched.
func (e *Environment) Close() error {
	if err := os.RemoveAll(e.scratchDir); err != nil {
		return fmt.Errorf("failed to remove scratch directory: %w", err)
	}
	return nil
}

// commandEnv builds the allowlisted environment for one command.
func (e *Environment) commandEnv() []string {
	env := make([]string, 0, len(hostPassthrough)+len(e.vars))
	for _, key := range hostPassthrough {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	keys := make([]string, 0, len(e.vars))
	for key := range e.vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+e.vars[key])
	}
	return env
}

// sanitize makes an instance ID usable in a directory name.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, id)
}

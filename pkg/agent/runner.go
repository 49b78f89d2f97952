package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
)

// RunResult captures one CLI invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr together, for error-marker scanning.
func (r *RunResult) Combined() string {
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes the agent CLI somewhere: directly on the host or inside
// the sandbox container. A non-zero exit code is reported in the result, not
// as an error; errors mean the command could not run at all.
type Runner interface {
	Run(ctx context.Context, argv []string, env map[string]string, workdir string) (*RunResult, error)
}

// buildEnv produces the CLI environment additions in a stable order.
// FORCE_COLOR and CLAUDECODE always lead so agent output stays parseable,
// then user-configured variables sorted by key.
func buildEnv(extra map[string]string) []string {
	env := []string{"FORCE_COLOR=0", "CLAUDECODE="}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// buildArgs assembles the agent CLI invocation. The prompt always follows a
// "--" separator so prompts starting with a dash cannot be parsed as flags.
func buildArgs(binary, systemPromptPath string, bypassPermissions bool, resumeSessionID, prompt string) []string {
	args := []string{
		binary, "-p",
		"--output-format", "json",
		"--append-system-prompt-file", systemPromptPath,
	}
	if bypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return append(args, "--", prompt)
}

// HostRunner executes the CLI directly on the host. Used when the sandbox is
// disabled.
type HostRunner struct {
	logger *slog.Logger
}

// NewHostRunner creates a host runner.
func NewHostRunner() *HostRunner {
	return &HostRunner{logger: slog.Default().With("component", "agent-host-runner")}
}

// Run executes argv on the host with the bridge environment layered over the
// inherited one.
func (h *HostRunner) Run(ctx context.Context, argv []string, env map[string]string, workdir string) (*RunResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), buildEnv(env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("running agent CLI on host: %w", err)
	}
	return result, nil
}

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// workspaceLabel marks bridge sandbox containers with the workspace they
// serve, so a stale container from a previous run can be identified even
// after the id file is lost.
const workspaceLabel = "agentbridge.workspace"

// SandboxConfig describes the agent sandbox container.
type SandboxConfig struct {
	Image         string
	ContainerName string
	WorkspaceDir  string
	StateDir      string
}

// DefaultSandboxConfig returns the standard sandbox settings for a
// workspace.
func DefaultSandboxConfig(workspaceDir, stateDir string) SandboxConfig {
	return SandboxConfig{
		Image:         "agentbridge-sandbox:latest",
		ContainerName: "agentbridge-sandbox",
		WorkspaceDir:  workspaceDir,
		StateDir:      stateDir,
	}
}

// Sandbox runs the agent CLI inside a long-lived container. The container id
// is resolved through three cells in order: process memory, the id file in
// the state directory, and finally creating a fresh container.
type Sandbox struct {
	cli    *client.Client
	cfg    SandboxConfig
	logger *slog.Logger

	mu          sync.Mutex
	containerID string
	onRecreate  func()
}

// OnRecreate registers fn to run when the container turns out to be gone
// mid-run and must be recreated. The daemon uses it to drop the stored
// session id, which lived in the old container and cannot be resumed.
func (s *Sandbox) OnRecreate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecreate = fn
}

// NewSandbox connects to the local Docker daemon.
func NewSandbox(cfg SandboxConfig) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Sandbox{
		cli:    cli,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent-sandbox"),
	}, nil
}

// Close releases the Docker client. The container itself is left running so
// the next daemon start can reuse it.
func (s *Sandbox) Close() error {
	return s.cli.Close()
}

// Run executes argv inside the sandbox container. When the container turns
// out to be gone mid-flight, it is recreated and the command retried once.
func (s *Sandbox) Run(ctx context.Context, argv []string, env map[string]string, workdir string) (*RunResult, error) {
	result, err := s.runOnce(ctx, argv, env, workdir)
	if err != nil && isSandboxGone(err) {
		s.logger.Warn("sandbox container disappeared, recreating", "error", err)
		s.forget()
		result, err = s.runOnce(ctx, argv, env, workdir)
	}
	return result, err
}

func (s *Sandbox) runOnce(ctx context.Context, argv []string, env map[string]string, workdir string) (*RunResult, error) {
	id, err := s.ensureContainer(ctx)
	if err != nil {
		return nil, err
	}

	exec, err := s.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		Env:          buildEnv(env),
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to sandbox exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("reading sandbox exec output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting sandbox exec: %w", err)
	}

	return &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (s *Sandbox) idFilePath() string {
	return filepath.Join(s.cfg.StateDir, "sandbox_id.txt")
}

// ensureContainer resolves a running container id, checking memory, then the
// id file, then creating a new container.
func (s *Sandbox) ensureContainer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containerID != "" {
		if s.isRunning(ctx, s.containerID) {
			return s.containerID, nil
		}
		s.containerID = ""
	}

	if data, err := os.ReadFile(s.idFilePath()); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" && s.isRunning(ctx, id) {
			s.containerID = id
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to read sandbox id file", "error", err)
	}

	id, err := s.createContainer(ctx)
	if err != nil {
		return "", err
	}

	s.containerID = id
	if err := os.WriteFile(s.idFilePath(), []byte(id+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to persist sandbox id", "error", err)
	}
	return id, nil
}

func (s *Sandbox) isRunning(ctx context.Context, id string) bool {
	info, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (s *Sandbox) createContainer(ctx context.Context) (string, error) {
	containerCfg := &container.Config{
		Image:      s.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: s.cfg.WorkspaceDir,
		Labels:     map[string]string{workspaceLabel: s.cfg.WorkspaceDir},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: s.cfg.WorkspaceDir,
			Target: s.cfg.WorkspaceDir,
		}},
	}

	resp, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, s.cfg.ContainerName)
	if isNameConflict(err) {
		s.logger.Warn("sandbox container name taken, removing stale container")
		if rmErr := s.removeStaleByLabel(ctx); rmErr != nil {
			return "", fmt.Errorf("recovering sandbox name conflict: %w", rmErr)
		}
		resp, err = s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, s.cfg.ContainerName)
	}
	if err != nil {
		return "", fmt.Errorf("creating sandbox container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting sandbox container %s: %w", resp.ID, err)
	}

	s.logger.Info("sandbox container created",
		"container_id", resp.ID, "image", s.cfg.Image, "workspace", s.cfg.WorkspaceDir)
	return resp.ID, nil
}

// removeStaleByLabel finds the container holding our name via the workspace
// label and removes it.
func (s *Sandbox) removeStaleByLabel(ctx context.Context) error {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", workspaceLabel+"="+s.cfg.WorkspaceDir),
		),
	})
	if err != nil {
		return fmt.Errorf("listing sandbox containers: %w", err)
	}
	if len(containers) == 0 {
		return errors.New("no container matches the sandbox workspace label")
	}

	for _, c := range containers {
		timeout := int((10 * time.Second).Seconds())
		_ = s.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err := s.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing stale sandbox container %s: %w", c.ID, err)
		}
		s.logger.Info("removed stale sandbox container", "container_id", c.ID)
	}
	return nil
}

// forget drops both the in-memory and on-disk container id cells and fires
// the recreate hook.
func (s *Sandbox) forget() {
	s.mu.Lock()
	s.containerID = ""
	if err := os.Remove(s.idFilePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove sandbox id file", "error", err)
	}
	onRecreate := s.onRecreate
	s.mu.Unlock()

	if onRecreate != nil {
		onRecreate()
	}
}

// isSandboxGone matches the daemon errors for a container that was removed
// or stopped out from under us.
func isSandboxGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "is not running")
}

func isNameConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is already in use by container")
}

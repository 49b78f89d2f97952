// Package agent is the bridge's gateway to the agent CLI: it serializes all
// invocations through a single queue, manages session continuity across
// restarts, and runs the CLI either on the host or inside a supervised
// sandbox container.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// GatewayConfig configures agent CLI invocations.
type GatewayConfig struct {
	// BinaryPath is the agent CLI executable, resolved via PATH when bare.
	BinaryPath string
	// SystemPromptPath is the system prompt template file.
	SystemPromptPath string
	// BypassPermissions passes --dangerously-skip-permissions to the CLI.
	BypassPermissions bool
	// Timeout bounds a single CLI run.
	Timeout time.Duration
	// Env is layered over the CLI environment, sorted by key.
	Env map[string]string
	// WorkspaceDir is the CLI working directory.
	WorkspaceDir string
}

// Request is one prompt for the agent.
type Request struct {
	// Prompt is the fully assembled user prompt.
	Prompt string
	// Context feeds the system prompt template.
	Context PromptContext
	// SessionKey selects the conversation: "" for the main DM session, a
	// sanitized schedule name for isolated schedules.
	SessionKey string
}

// Response is the agent's reply.
type Response struct {
	Text      string
	SessionID string
}

// Gateway owns all agent CLI traffic. Calls are strictly serialized: the
// agent holds one conversation at a time, and concurrent runs would corrupt
// session state on disk.
type Gateway struct {
	cfg      GatewayConfig
	runner   Runner
	sessions *SessionStore
	logger   *slog.Logger

	mu sync.Mutex
}

// NewGateway builds a gateway over the given runner.
func NewGateway(cfg GatewayConfig, runner Runner, sessions *SessionStore) *Gateway {
	return &Gateway{
		cfg:      cfg,
		runner:   runner,
		sessions: sessions,
		logger:   slog.Default().With("component", "agent-gateway"),
	}
}

// cliResult is the agent CLI's --output-format json envelope.
type cliResult struct {
	Type      string `json:"type"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// SendToAgent runs one prompt through the agent CLI and returns its reply.
// Requests queue FIFO behind the gateway mutex. A stored session id that the
// CLI no longer recognizes is discarded and the call retried once without
// it.
func (g *Gateway) SendToAgent(ctx context.Context, req Request) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	promptPath, cleanup, err := g.renderSystemPrompt(req.Context)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	sessionID, err := g.sessions.Load(req.SessionKey)
	if err != nil {
		g.logger.Warn("failed to load session, starting fresh",
			"key", req.SessionKey, "error", err)
		sessionID = ""
	}

	result, err := g.invoke(ctx, promptPath, sessionID, req.Prompt)
	if err != nil {
		return nil, err
	}

	if sessionID != "" && result.ExitCode != 0 && isStaleSession(result.Combined()) {
		g.logger.Warn("stored session is gone, retrying without it",
			"key", req.SessionKey, "session_id", sessionID)
		if err := g.sessions.Clear(req.SessionKey); err != nil {
			g.logger.Warn("failed to clear stale session", "key", req.SessionKey, "error", err)
		}
		result, err = g.invoke(ctx, promptPath, "", req.Prompt)
		if err != nil {
			return nil, err
		}
	}

	return g.finish(req, result)
}

func (g *Gateway) invoke(ctx context.Context, promptPath, sessionID, prompt string) (*RunResult, error) {
	argv := buildArgs(g.cfg.BinaryPath, promptPath, g.cfg.BypassPermissions, sessionID, prompt)

	start := time.Now()
	result, err := g.runner.Run(ctx, argv, g.cfg.Env, g.cfg.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	g.logger.Info("agent CLI run finished",
		"exit_code", result.ExitCode,
		"duration", time.Since(start).Round(time.Millisecond),
		"resumed", sessionID != "")
	return result, nil
}

// finish interprets a CLI run: auth failures and hard exits become errors,
// otherwise the JSON envelope is decoded and the session id persisted. An
// empty result is returned as-is; whether that matters is the caller's call.
func (g *Gateway) finish(req Request, result *RunResult) (*Response, error) {
	combined := result.Combined()
	if IsAuthError(combined) {
		return nil, fmt.Errorf("%w: %s", ErrAuth, firstLine(combined))
	}

	if result.ExitCode != 0 {
		return nil, fmt.Errorf("agent CLI exited with code %d: %s",
			result.ExitCode, truncate(strings.TrimSpace(result.Stderr), 500))
	}

	var parsed cliResult
	if err := json.Unmarshal([]byte(result.Stdout), &parsed); err != nil {
		return nil, fmt.Errorf("decoding agent CLI output for %q request: stdout %d bytes %q, stderr %d bytes %q: %w",
			req.Context.Source,
			len(result.Stdout), truncate(result.Stdout, 200),
			len(result.Stderr), truncate(result.Stderr, 200), err)
	}
	if parsed.IsError {
		return nil, fmt.Errorf("agent reported an error: %s", truncate(parsed.Result, 500))
	}

	if parsed.SessionID != "" {
		if err := g.sessions.Save(req.SessionKey, parsed.SessionID); err != nil {
			g.logger.Warn("failed to persist session id",
				"key", req.SessionKey, "error", err)
		}
	}

	return &Response{Text: StripThinkTags(parsed.Result), SessionID: parsed.SessionID}, nil
}

// renderSystemPrompt fills the template and writes it where the CLI can read
// it. The file is per-invocation because {{datetime}} changes every call.
func (g *Gateway) renderSystemPrompt(pc PromptContext) (string, func(), error) {
	rendered, err := RenderSystemPrompt(g.cfg.SystemPromptPath, pc)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "agentbridge-prompt-*.md")
	if err != nil {
		return "", nil, fmt.Errorf("creating rendered prompt file: %w", err)
	}
	if _, err := f.WriteString(rendered); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing rendered prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("closing rendered prompt file: %w", err)
	}

	path := f.Name()
	return path, func() { _ = os.Remove(path) }, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

// Settings file field limits.
const (
	minClaudeTimeoutSeconds = 10
	maxClaudeTimeoutSeconds = 7200

	minHeartbeatSeconds = 10
	maxHeartbeatSeconds = 300

	minReconnectGraceSeconds = 5
	maxReconnectGraceSeconds = 120
)

// Session modes for schedules.
const (
	SessionModeMain     = "main"
	SessionModeIsolated = "isolated"
)

var (
	envKeyRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// sessionNameRE matches the characters kept as-is when deriving a
	// session filename from a schedule name.
	sessionNameRE = regexp.MustCompile(`[^A-Za-z0-9_-]`)

	// cronParser accepts standard 5-field cron expressions.
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// reservedEnvKeys are always set by the gateway and may not be overridden.
var reservedEnvKeys = map[string]bool{
	"FORCE_COLOR": true,
	"CLAUDECODE":  true,
}

// Settings holds the on-disk JSON settings. Unknown keys are rejected.
type Settings struct {
	BypassMode               bool              `json:"bypass-mode"`
	EnableSandbox            *bool             `json:"enable_sandbox"`
	ClaudeTimeoutSeconds     int               `json:"claude_timeout_seconds"`
	HeartbeatIntervalSeconds int               `json:"discord_connection_heartbeat_interval_seconds"`
	ReconnectGraceSeconds    int               `json:"discord_connection_reconnect_grace_seconds"`
	Env                      map[string]string `json:"env"`
	Schedules                []ScheduleSpec    `json:"schedules"`
}

// ScheduleSpec describes one cron-triggered prompt.
type ScheduleSpec struct {
	Name          string `json:"name"`
	Cron          string `json:"cron"`
	Timezone      string `json:"timezone"`
	Prompt        string `json:"prompt"`
	DiscordNotify bool   `json:"discord_notify"`
	PromptFile    string `json:"prompt_file,omitempty"`
	Skippable     bool   `json:"skippable,omitempty"`
	SessionMode   string `json:"session_mode,omitempty"`
}

// DefaultSettings returns the built-in defaults used when no settings file
// exists.
func DefaultSettings() *Settings {
	return &Settings{
		ClaudeTimeoutSeconds:     1800,
		HeartbeatIntervalSeconds: 60,
		ReconnectGraceSeconds:    30,
	}
}

// LoadSettings reads, parses, and validates the settings file at path.
// A missing file (or empty path) yields defaults.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("opening settings file: %w", err)
	}
	defer f.Close()

	s := DefaultSettings()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks field ranges, env keys, and schedule definitions.
func (s *Settings) Validate() error {
	if s.ClaudeTimeoutSeconds < minClaudeTimeoutSeconds || s.ClaudeTimeoutSeconds > maxClaudeTimeoutSeconds {
		return fmt.Errorf("claude_timeout_seconds must be in [%d..%d], got %d",
			minClaudeTimeoutSeconds, maxClaudeTimeoutSeconds, s.ClaudeTimeoutSeconds)
	}
	if s.HeartbeatIntervalSeconds < minHeartbeatSeconds || s.HeartbeatIntervalSeconds > maxHeartbeatSeconds {
		return fmt.Errorf("discord_connection_heartbeat_interval_seconds must be in [%d..%d], got %d",
			minHeartbeatSeconds, maxHeartbeatSeconds, s.HeartbeatIntervalSeconds)
	}
	if s.ReconnectGraceSeconds < minReconnectGraceSeconds || s.ReconnectGraceSeconds > maxReconnectGraceSeconds {
		return fmt.Errorf("discord_connection_reconnect_grace_seconds must be in [%d..%d], got %d",
			minReconnectGraceSeconds, maxReconnectGraceSeconds, s.ReconnectGraceSeconds)
	}

	for key := range s.Env {
		if !envKeyRE.MatchString(key) {
			return fmt.Errorf("env key %q is not a valid environment variable name", key)
		}
		if reservedEnvKeys[key] {
			return fmt.Errorf("env key %q is reserved", key)
		}
	}

	seenNames := make(map[string]string)
	for i := range s.Schedules {
		sched := &s.Schedules[i]
		if err := sched.validate(); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		sanitized := SanitizeScheduleName(sched.Name)
		if prev, ok := seenNames[sanitized]; ok {
			return fmt.Errorf("schedules %q and %q collapse to the same session file %q",
				prev, sched.Name, sanitized)
		}
		seenNames[sanitized] = sched.Name
	}
	return nil
}

func (sp *ScheduleSpec) validate() error {
	if sp.Name == "" {
		return errors.New("name is required")
	}
	if sp.Cron == "" {
		return errors.New("cron is required")
	}
	if _, err := cronParser.Parse(sp.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sp.Cron, err)
	}
	if sp.Timezone != "" {
		if _, err := time.LoadLocation(sp.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", sp.Timezone, err)
		}
	}
	if sp.Prompt == "" && sp.PromptFile == "" {
		return errors.New("one of prompt or prompt_file is required")
	}
	switch sp.SessionMode {
	case "", SessionModeMain, SessionModeIsolated:
	default:
		return fmt.Errorf("session_mode must be %q or %q, got %q",
			SessionModeMain, SessionModeIsolated, sp.SessionMode)
	}
	return nil
}

// FindSchedule returns the schedule with the given name, or nil.
func (s *Settings) FindSchedule(name string) *ScheduleSpec {
	for i := range s.Schedules {
		if s.Schedules[i].Name == name {
			return &s.Schedules[i]
		}
	}
	return nil
}

// SandboxEnabled reports whether agent invocations run inside the container
// sandbox (the default) or directly on the host.
func (s *Settings) SandboxEnabled() bool {
	return s.EnableSandbox == nil || *s.EnableSandbox
}

// ClaudeTimeout is the per-invocation kill timer for the agent CLI.
func (s *Settings) ClaudeTimeout() time.Duration {
	return time.Duration(s.ClaudeTimeoutSeconds) * time.Second
}

// HeartbeatInterval is the connection supervisor heartbeat tick.
func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// ReconnectGrace is how long a reconnect attempt waits for the gateway to
// report ready before looping.
func (s *Settings) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceSeconds) * time.Second
}

// SanitizeScheduleName derives a filesystem-safe session filename component
// from a schedule name: any character outside [A-Za-z0-9_-] becomes '_'.
func SanitizeScheduleName(name string) string {
	return sessionNameRE.ReplaceAllString(name, "_")
}

// Package config loads and validates the daemon configuration: required
// environment (bot token, user allowlist) and the optional JSON settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Environment variable names.
const (
	EnvBotToken       = "DISCORD_BOT_TOKEN"
	EnvAllowedUserIDs = "ALLOWED_USER_IDS"
)

// DefaultStateDir is where all persisted state lives (relative to the
// working directory unless overridden).
const DefaultStateDir = "tmp/agentbridge"

// snowflakeRE matches Discord snowflake ids (decimal, 17-20 digits).
var snowflakeRE = regexp.MustCompile(`^\d{17,20}$`)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// AllowedUserIDs is the set of user snowflakes the daemon responds to.
	AllowedUserIDs []string

	// StateDir is the root directory for persisted state (event store,
	// session files, sandbox id, attachments).
	StateDir string

	// WorkspaceDir is the project root mounted into the sandbox.
	WorkspaceDir string

	// Settings holds the validated contents of the settings file.
	Settings *Settings

	Queue     *QueueConfig
	Retention *RetentionConfig
}

// Load resolves configuration from the environment and the settings file at
// settingsPath. An empty settingsPath (or a missing file) yields defaults.
func Load(settingsPath, stateDir string) (*Config, error) {
	token := os.Getenv(EnvBotToken)
	if token == "" {
		return nil, fmt.Errorf("%s is required", EnvBotToken)
	}

	users, err := parseAllowedUserIDs(os.Getenv(EnvAllowedUserIDs))
	if err != nil {
		return nil, err
	}

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(workspace, stateDir)
	}

	return &Config{
		Token:          token,
		AllowedUserIDs: users,
		StateDir:       stateDir,
		WorkspaceDir:   workspace,
		Settings:       settings,
		Queue:          DefaultQueueConfig(),
		Retention:      DefaultRetentionConfig(),
	}, nil
}

// IsAllowedUser reports whether userID is on the allowlist.
func (c *Config) IsAllowedUser(userID string) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// EventStorePath is the SQLite database file backing the event bus.
func (c *Config) EventStorePath() string {
	return filepath.Join(c.StateDir, "event-bus.sqlite3")
}

func parseAllowedUserIDs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s is required (comma-separated user ids)", EnvAllowedUserIDs)
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if !snowflakeRE.MatchString(id) {
			return nil, fmt.Errorf("%s: %q is not a valid user snowflake", EnvAllowedUserIDs, id)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s contains no valid user ids", EnvAllowedUserIDs)
	}
	return ids, nil
}

package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SessionStore persists agent session ids across daemon restarts as plain
// files under the state directory. The main conversation has one id; each
// isolated schedule keeps its own.
type SessionStore struct {
	stateDir string
}

// NewSessionStore creates a session store rooted at stateDir.
func NewSessionStore(stateDir string) *SessionStore {
	return &SessionStore{stateDir: stateDir}
}

// mainSessionFile holds the id of the primary DM conversation.
const mainSessionFile = "session_id.txt"

func (s *SessionStore) path(key string) string {
	if key == "" {
		return filepath.Join(s.stateDir, mainSessionFile)
	}
	return filepath.Join(s.stateDir, "sessions", key+".txt")
}

// Load returns the stored session id for key, or empty when none exists.
// Key "" addresses the main conversation.
func (s *SessionStore) Load(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading session file for %q: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save stores a session id for key.
func (s *SessionStore) Save(key, sessionID string) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sessionID+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing session file for %q: %w", key, err)
	}
	return nil
}

// Clear removes the stored session id for key. Missing files are fine.
func (s *SessionStore) Clear(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing session file for %q: %w", key, err)
	}
	return nil
}

package agent

import (
	"errors"
	"strings"
)

// ErrAuth indicates the agent CLI has no valid credentials. Retrying is
// pointless until a human re-authenticates it.
var ErrAuth = errors.New("agent is not authenticated")

// ErrTimeout indicates the CLI run exceeded its deadline.
var ErrTimeout = errors.New("agent run timed out")

// authErrorMarkers are the CLI output fragments that indicate missing or
// expired credentials. Matching is on raw output because the CLI reports
// these inconsistently across exit paths.
var authErrorMarkers = []string{
	"Expected token to be set",
	"Not logged in",
	"Please run /login",
}

// IsAuthError reports whether CLI output indicates an authentication
// failure. Auth failures are terminal for the current request; retrying
// cannot succeed until a human re-authenticates the agent.
func IsAuthError(output string) bool {
	for _, marker := range authErrorMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// staleSessionMarker is the CLI error for a --resume id that no longer
// exists on disk.
const staleSessionMarker = "No conversation found with session ID"

// isStaleSession reports whether CLI output indicates the resumed session is
// gone and the call should be retried without it.
func isStaleSession(output string) bool {
	return strings.Contains(output, staleSessionMarker)
}

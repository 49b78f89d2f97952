package store

import "time"

const (
	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// Backoff returns the retry delay before the given attempt: exponential,
// starting at 1s and capped at 60s. Attempt numbers start at 1.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

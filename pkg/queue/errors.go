package queue

import (
	"errors"
	"time"
)

// terminalError marks a failure that can never succeed on retry. The worker
// dead-letters the event immediately instead of burning attempts.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the worker dead-letters the event without retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries a terminal marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// retryableError carries an explicit retry delay, overriding the default
// exponential backoff.
type retryableError struct {
	err   error
	delay time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// RetryAfter wraps err with an explicit delay before the next attempt.
func RetryAfter(delay time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err, delay: delay}
}

// explicitDelay extracts a RetryAfter delay, if any.
func explicitDelay(err error) (time.Duration, bool) {
	var re *retryableError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}

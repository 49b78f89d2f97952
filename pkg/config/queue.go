package config

import "time"

// QueueConfig controls how the event worker polls, claims, and retries.
type QueueConfig struct {
	// PollInterval is the sleep between empty claim attempts.
	PollInterval time.Duration

	// StaleLockTimeout is how old a processing lock must be before the
	// event is handed back to the queue.
	StaleLockTimeout time.Duration

	// LockTouchInterval is how often the worker refreshes the lock on the
	// in-flight event. Must be well under StaleLockTimeout so long agent
	// calls are not reclaimed mid-run.
	LockTouchInterval time.Duration

	// MaxAttempts is the attempt ceiling before an event is dead-lettered.
	MaxAttempts int

	// ReadyWaitTimeout bounds each wait for the connection supervisor to
	// report ready before the loop re-checks.
	ReadyWaitTimeout time.Duration

	// GracefulShutdownTimeout is the max wait for the in-flight event to
	// finish during shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		PollInterval:            250 * time.Millisecond,
		StaleLockTimeout:        120 * time.Second,
		LockTouchInterval:       30 * time.Second,
		MaxAttempts:             20,
		ReadyWaitTimeout:        60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

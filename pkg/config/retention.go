package config

import "time"

// RetentionConfig controls pruning of settled DM rows and terminal events.
type RetentionConfig struct {
	// DMRetention is how long settled DM rows (check applied or terminally
	// failed) are kept before deletion.
	DMRetention time.Duration

	// EventTTL is the maximum age of done/dead events before deletion.
	EventTTL time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		DMRetention:     7 * 24 * time.Hour,
		EventTTL:        14 * 24 * time.Hour,
		CleanupInterval: 12 * time.Hour,
	}
}

package store

import (
	"encoding/json"
	"fmt"
)

// DMIncomingPayload identifies a direct message awaiting processing.
type DMIncomingPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
}

// OutboundFile is a file attached to an outbound message.
type OutboundFile struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// OutboundPayload describes text (and optional files) to deliver to a user.
type OutboundPayload struct {
	RequestID string         `json:"request_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Text      string         `json:"text"`
	UserID    string         `json:"user_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Files     []OutboundFile `json:"files,omitempty"`
	Context   string         `json:"context,omitempty"`
}

// SchedulerTriggeredPayload carries one cron firing. ExpiresAt bounds how
// stale a firing may be before the executor drops it.
type SchedulerTriggeredPayload struct {
	ScheduleName string `json:"schedule_name"`
	TriggeredAt  int64  `json:"triggered_at"` // unix millis
	ExpiresAt    int64  `json:"expires_at"`   // unix millis
}

// RecoverPayload triggers a missed-DM recovery scan.
type RecoverPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DecodePayload unmarshals an event payload into dst.
func DecodePayload(ev *Event, dst any) error {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload for event %s: %w", ev.Type, ev.ID, err)
	}
	return nil
}

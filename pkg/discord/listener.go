package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/agentbridge/agentbridge/pkg/store"
)

// OffsetScopePrefix namespaces per-user delivery offsets.
const OffsetScopePrefix = "dm_user:"

// OffsetScope returns the delivery-offset scope for a user.
func OffsetScope(userID string) string {
	return OffsetScopePrefix + userID
}

// InboundPipeline is what the listener needs from the event store.
type InboundPipeline interface {
	UpsertDM(ctx context.Context, messageID, channelID, authorID string) error
	Publish(ctx context.Context, in store.EventInput) (string, error)
	UpdateOffset(ctx context.Context, scope, messageID string) error
}

// Listener turns gateway DM events into queued dm.incoming events. The
// handler does no processing itself; durability comes from the publish, and
// the worker picks the event up from there.
type Listener struct {
	pipeline InboundPipeline
	allowed  func(userID string) bool
	logger   *slog.Logger
}

// NewListener builds a listener. allowed gates which users the bridge
// serves; everyone else is silently ignored.
func NewListener(pipeline InboundPipeline, allowed func(string) bool) *Listener {
	return &Listener{
		pipeline: pipeline,
		allowed:  allowed,
		logger:   slog.Default().With("component", "discord-listener"),
	}
}

// Attach registers the message handler on a session.
func (l *Listener) Attach(session *discordgo.Session) {
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		l.HandleMessage(context.Background(), m)
	})
}

// HandleMessage ingests one gateway message: direct messages from allowed
// users become durable dm.incoming events, and the user's delivery offset
// advances once the event is safely queued.
func (l *Listener) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	// Guild messages carry a guild id; DMs never do.
	if m.GuildID != "" {
		return
	}
	if !l.allowed(m.Author.ID) {
		l.logger.Warn("ignoring DM from user not on allowlist", "user_id", m.Author.ID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := l.pipeline.UpsertDM(ctx, m.ID, m.ChannelID, m.Author.ID); err != nil {
		l.logger.Error("failed to track inbound DM", "message_id", m.ID, "error", err)
		return
	}

	_, err := l.pipeline.Publish(ctx, store.EventInput{
		Type: store.EventDMIncoming,
		Lane: store.LaneInteractive,
		Payload: store.DMIncomingPayload{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			AuthorID:  m.Author.ID,
		},
	})
	if err != nil {
		// Offset stays put so recovery can re-find this message later.
		l.logger.Error("failed to enqueue inbound DM", "message_id", m.ID, "error", err)
		return
	}

	if err := l.pipeline.UpdateOffset(ctx, OffsetScope(m.Author.ID), m.ID); err != nil {
		l.logger.Error("failed to advance delivery offset",
			"user_id", m.Author.ID, "message_id", m.ID, "error", err)
	}

	l.logger.Info("inbound DM queued",
		"message_id", m.ID, "user_id", m.Author.ID, "channel_id", m.ChannelID)
}

package queue

import (
	"context"
	"log/slog"

	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// emptyReplyFallback is sent when a non-schedule outbound request carries no
// deliverable text and no files.
const emptyReplyFallback = "(the agent returned an empty response)"

// OutboundExecutor processes outbound.dm.request events: it resolves the
// destination channel, splits the text into limit-sized chunks, and sends
// them in order. File attachments ride on the first chunk.
type OutboundExecutor struct {
	store  *store.Store
	chat   Chat
	logger *slog.Logger
}

// NewOutboundExecutor builds the outbound delivery executor.
func NewOutboundExecutor(st *store.Store, chat Chat) *OutboundExecutor {
	return &OutboundExecutor{
		store:  st,
		chat:   chat,
		logger: slog.Default().With("component", "outbound-executor"),
	}
}

// Type implements Executor.
func (e *OutboundExecutor) Type() store.EventType { return store.EventOutboundDMRequest }

// Execute delivers one outbound message.
func (e *OutboundExecutor) Execute(ctx context.Context, ev *store.Event) error {
	var payload store.OutboundPayload
	if err := store.DecodePayload(ev, &payload); err != nil {
		return Terminal(err)
	}

	channelID := payload.ChannelID
	if channelID == "" {
		if payload.UserID == "" {
			return Terminal(errNoDestination)
		}
		var err error
		channelID, err = e.chat.UserChannel(ctx, payload.UserID)
		if err != nil {
			if discord.IsTerminalError(err) {
				return Terminal(err)
			}
			return err
		}
	}

	text := payload.Text
	if payload.Context != "" {
		text = "**" + payload.Context + "**\n" + text
	}

	chunks := discord.SplitMessage(text)
	if len(chunks) == 0 && len(payload.Files) == 0 {
		// Schedule results that chunk to nothing stay silent; everything else
		// gets a placeholder so the user is not left waiting on a reply that
		// never comes.
		if payload.Source == "schedule" {
			e.logger.Warn("schedule produced nothing to send", "event_id", ev.ID)
			return nil
		}
		chunks = []string{emptyReplyFallback}
	}

	files := make([]discord.FileAttachment, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, discord.FileAttachment{Path: f.Path, Name: f.Name})
	}

	for i, chunk := range chunks {
		var err error
		if i == 0 && len(files) > 0 {
			_, err = e.chat.SendMessageWithFiles(ctx, channelID, chunk, files)
		} else {
			_, err = e.chat.SendMessage(ctx, channelID, chunk)
		}
		if err != nil {
			if discord.IsTerminalError(err) {
				return Terminal(err)
			}
			return err
		}
	}

	// Files with no text still need one message to carry them.
	if len(chunks) == 0 && len(files) > 0 {
		if _, err := e.chat.SendMessageWithFiles(ctx, channelID, "", files); err != nil {
			if discord.IsTerminalError(err) {
				return Terminal(err)
			}
			return err
		}
	}

	e.logger.Info("outbound message delivered",
		"event_id", ev.ID, "channel_id", channelID,
		"chunks", len(chunks), "files", len(files), "source", payload.Source)
	return nil
}

var errNoDestination = &noDestinationError{}

type noDestinationError struct{}

func (*noDestinationError) Error() string {
	return "outbound request has neither channel_id nor user_id"
}

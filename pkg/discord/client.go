// Package discord wraps the discordgo SDK with the small surface the bridge
// needs: DM delivery with chunking, lifecycle reactions, history paging for
// recovery, and a supervised gateway connection.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bwmarrin/discordgo"
)

// Reaction emojis marking DM lifecycle on the user's message.
const (
	ReactionAck  = "👀"
	ReactionDone = "✅"
	ReactionFail = "❌"
)

// Client is a thin wrapper around the discordgo REST surface.
type Client struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewClient wraps an established session.
func NewClient(session *discordgo.Session) *Client {
	return &Client{
		session: session,
		logger:  slog.Default().With("component", "discord-client"),
	}
}

// UserChannel returns the DM channel id for a user, creating the channel if
// this bot has never messaged them.
func (c *Client) UserChannel(ctx context.Context, userID string) (string, error) {
	ch, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("opening DM channel for user %s: %w", userID, err)
	}
	return ch.ID, nil
}

// SendMessage posts a single message to a channel and returns its id. The
// content must already fit the message length limit.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("sending message to channel %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// FileAttachment is a local file to attach to a message.
type FileAttachment struct {
	Path string
	Name string
}

// SendMessageWithFiles posts content together with file attachments. Files
// that cannot be opened are skipped with a warning rather than failing the
// whole message.
func (c *Client) SendMessageWithFiles(ctx context.Context, channelID, content string, files []FileAttachment) (string, error) {
	data := &discordgo.MessageSend{Content: content}
	var opened []io.Closer
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()

	for _, f := range files {
		r, err := os.Open(f.Path)
		if err != nil {
			c.logger.Warn("skipping unreadable attachment", "path", f.Path, "error", err)
			continue
		}
		opened = append(opened, r)
		name := f.Name
		if name == "" {
			name = f.Path
		}
		data.Files = append(data.Files, &discordgo.File{Name: name, Reader: r})
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("sending message with files to channel %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// AddReaction applies an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	err := c.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("adding %s reaction to message %s: %w", emoji, messageID, err)
	}
	return nil
}

// GetMessage fetches a single message.
func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", messageID, err)
	}
	return msg, nil
}

// MessagesAfter pages channel history strictly after the given message id,
// oldest first. Discord returns newest-first, so the page is reversed.
func (c *Client) MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]*discordgo.Message, error) {
	msgs, err := c.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("paging channel %s after %s: %w", channelID, afterID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RecentMessages returns the newest messages in a channel, oldest first.
func (c *Client) RecentMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error) {
	msgs, err := c.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching recent messages in channel %s: %w", channelID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// TriggerTyping shows the typing indicator in a channel. It expires after
// about ten seconds, so long operations re-trigger it periodically.
func (c *Client) TriggerTyping(ctx context.Context, channelID string) error {
	if err := c.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("triggering typing in channel %s: %w", channelID, err)
	}
	return nil
}

// IsDMChannel reports whether a channel is a direct message channel.
func (c *Client) IsDMChannel(ctx context.Context, channelID string) (bool, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetching channel %s: %w", channelID, err)
	}
	return ch.Type == discordgo.ChannelTypeDM, nil
}

package queue

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

func newQueueStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "events.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type sentMessage struct {
	ChannelID string
	Content   string
	Files     []discord.FileAttachment
}

type reaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// fakeChat is an in-memory Chat implementation.
type fakeChat struct {
	sent      []sentMessage
	reactions []reaction
	typing    int

	messages map[string]*discordgo.Message // by message id
	history  map[string][]*discordgo.Message
	channels map[string]string // user id -> channel id
	notDM    map[string]bool   // channel id -> guild channel

	sendErr     error
	reactionErr error
	getErr      error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		messages: make(map[string]*discordgo.Message),
		history:  make(map[string][]*discordgo.Message),
		channels: make(map[string]string),
		notDM:    make(map[string]bool),
	}
}

func (f *fakeChat) UserChannel(_ context.Context, userID string) (string, error) {
	if ch, ok := f.channels[userID]; ok {
		return ch, nil
	}
	return "dm-" + userID, nil
}

func (f *fakeChat) SendMessage(_ context.Context, channelID, content string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content})
	return "sent-msg", nil
}

func (f *fakeChat) SendMessageWithFiles(_ context.Context, channelID, content string, files []discord.FileAttachment) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content, Files: files})
	return "sent-msg", nil
}

func (f *fakeChat) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	if f.reactionErr != nil && emoji != discord.ReactionFail {
		return f.reactionErr
	}
	f.reactions = append(f.reactions, reaction{channelID, messageID, emoji})
	return nil
}

func (f *fakeChat) GetMessage(_ context.Context, _, messageID string) (*discordgo.Message, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{Status: "404 Not Found", StatusCode: http.StatusNotFound},
			Message: &discordgo.APIErrorMessage{
				Code: discordgo.ErrCodeUnknownMessage, Message: "Unknown Message",
			},
		}
	}
	return msg, nil
}

func (f *fakeChat) IsDMChannel(_ context.Context, channelID string) (bool, error) {
	return !f.notDM[channelID], nil
}

func (f *fakeChat) MessagesAfter(_ context.Context, channelID, afterID string, limit int) ([]*discordgo.Message, error) {
	var out []*discordgo.Message
	for _, m := range f.history[channelID] {
		if m.ID > afterID {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeChat) RecentMessages(_ context.Context, channelID string, limit int) ([]*discordgo.Message, error) {
	h := f.history[channelID]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (f *fakeChat) TriggerTyping(_ context.Context, _ string) error {
	f.typing++
	return nil
}

func (f *fakeChat) hasReaction(messageID, emoji string) bool {
	for _, r := range f.reactions {
		if r.MessageID == messageID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// fakeAgent returns scripted responses in order.
type fakeAgent struct {
	responses []*agent.Response
	errs      []error
	requests  []agent.Request
}

func (f *fakeAgent) SendToAgent(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &agent.Response{Text: "default reply", SessionID: "sess"}, nil
}

func terminalRESTError() error {
	return &discordgo.RESTError{
		Response: &http.Response{Status: "403 Forbidden", StatusCode: http.StatusForbidden},
		Message: &discordgo.APIErrorMessage{
			Code: discordgo.ErrCodeMissingAccess, Message: "Missing Access",
		},
	}
}

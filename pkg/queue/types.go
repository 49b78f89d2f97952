// Package queue contains the single event worker and the executors that
// give each event type its semantics: DM processing, outbound delivery,
// scheduled prompts, recovery, and reconcile.
package queue

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// Executor gives one event type its behavior. A nil return marks the event
// done; a Terminal-wrapped error dead-letters it; any other error schedules
// a retry.
type Executor interface {
	Type() store.EventType
	Execute(ctx context.Context, ev *store.Event) error
}

// ExhaustedHandler is implemented by executors that must settle external
// side effects when the worker converts repeated transient failures into a
// dead letter.
type ExhaustedHandler interface {
	OnExhausted(ctx context.Context, ev *store.Event, cause error)
}

// Chat is the Discord surface the executors use. *discord.Client implements
// it; tests substitute fakes.
type Chat interface {
	UserChannel(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	SendMessageWithFiles(ctx context.Context, channelID, content string, files []discord.FileAttachment) (string, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	GetMessage(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	IsDMChannel(ctx context.Context, channelID string) (bool, error)
	MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]*discordgo.Message, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error)
	TriggerTyping(ctx context.Context, channelID string) error
}

// Agent is the gateway surface the executors use.
type Agent interface {
	SendToAgent(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// ReadinessBarrier gates event processing on the gateway connection, so the
// worker does not burn attempts while Discord is unreachable.
type ReadinessBarrier interface {
	WaitUntilReady(ctx context.Context) error
}

// typingInterval is how often the typing indicator is refreshed during a
// long agent run. Discord expires the indicator after roughly ten seconds.
const typingInterval = 9 * time.Second

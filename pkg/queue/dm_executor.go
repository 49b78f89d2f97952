package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// DM commands handled by the bridge itself, without involving the agent.
const (
	cmdReset   = "!reset"
	cmdSession = "!session"
)

// emptyResponseRetries is how many extra agent calls are made when the
// agent returns nothing, with a short pause between them.
const (
	emptyResponseRetries = 3
	emptyResponseWait    = time.Second
)

// DMExecutor processes dm.incoming events: it acknowledges the message with
// a reaction, runs the prompt through the agent, delivers the chunked reply,
// and closes the loop with a completion reaction.
//
// Progress is recorded in monotonic per-message flags, so a crash at any
// point replays only the remaining steps.
type DMExecutor struct {
	store    *store.Store
	chat     Chat
	agent    Agent
	sessions *agent.SessionStore
	logger   *slog.Logger
}

// NewDMExecutor builds the dm.incoming executor.
func NewDMExecutor(st *store.Store, chat Chat, ag Agent, sessions *agent.SessionStore) *DMExecutor {
	return &DMExecutor{
		store:    st,
		chat:     chat,
		agent:    ag,
		sessions: sessions,
		logger:   slog.Default().With("component", "dm-executor"),
	}
}

// Type implements Executor.
func (e *DMExecutor) Type() store.EventType { return store.EventDMIncoming }

// Execute runs one inbound DM through the lifecycle.
func (e *DMExecutor) Execute(ctx context.Context, ev *store.Event) error {
	var payload store.DMIncomingPayload
	if err := store.DecodePayload(ev, &payload); err != nil {
		return Terminal(err)
	}

	// Recovery-published events may reference a message the listener never
	// saw, so the row might not exist yet.
	if err := e.store.UpsertDM(ctx, payload.MessageID, payload.ChannelID, payload.AuthorID); err != nil {
		return err
	}
	state, err := e.store.GetDMState(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if state.CheckApplied || state.TerminalFailed {
		return nil
	}

	if !state.EyeApplied {
		if err := e.react(ctx, payload, discord.ReactionAck); err != nil {
			return err
		}
		if err := e.store.MarkEyeApplied(ctx, payload.MessageID); err != nil {
			return err
		}
	}

	if !state.ProcessingDone {
		if err := e.process(ctx, payload); err != nil {
			return err
		}
		if err := e.store.MarkProcessingDone(ctx, payload.MessageID); err != nil {
			return err
		}
	}

	if err := e.react(ctx, payload, discord.ReactionDone); err != nil {
		return err
	}
	return e.store.MarkCheckApplied(ctx, payload.MessageID)
}

// react applies a reaction, translating unrecoverable Discord errors into a
// terminal failure for this message.
func (e *DMExecutor) react(ctx context.Context, payload store.DMIncomingPayload, emoji string) error {
	err := e.chat.AddReaction(ctx, payload.ChannelID, payload.MessageID, emoji)
	if err == nil {
		return nil
	}
	if discord.IsTerminalError(err) {
		return e.failTerminally(ctx, payload, err)
	}
	return err
}

// process fetches the message, handles bridge commands, and otherwise runs
// the prompt through the agent and delivers the reply.
func (e *DMExecutor) process(ctx context.Context, payload store.DMIncomingPayload) error {
	isDM, err := e.chat.IsDMChannel(ctx, payload.ChannelID)
	if err != nil {
		if discord.IsTerminalError(err) {
			return e.failTerminally(ctx, payload, err)
		}
		return err
	}
	if !isDM {
		return e.failTerminally(ctx, payload, discord.ErrNotDirectMessage)
	}

	msg, err := e.chat.GetMessage(ctx, payload.ChannelID, payload.MessageID)
	if err != nil {
		if discord.IsTerminalError(err) {
			return e.failTerminally(ctx, payload, err)
		}
		return err
	}

	stopTyping := e.keepTyping(ctx, payload.ChannelID)
	defer stopTyping()

	if handled, err := e.handleCommand(ctx, payload, msg.Content); handled || err != nil {
		return err
	}

	resp, err := e.askAgent(ctx, payload, msg)
	if err != nil {
		if errors.Is(err, agent.ErrAuth) {
			return e.failAuth(ctx, payload, err)
		}
		// The agent already retried internally where it made sense; replaying
		// the whole event would re-run an expensive call against the same
		// input. Fail the message and let the user resend.
		if recordErr := e.store.SetDMLastError(ctx, payload.MessageID, err.Error()); recordErr != nil {
			e.logger.Warn("failed to record dm error", "message_id", payload.MessageID, "error", recordErr)
		}
		return e.failTerminally(ctx, payload, err)
	}

	return e.queueReply(ctx, payload, resp.Text)
}

// queueReply hands the reply to the outbound pipeline instead of sending it
// inline. The dedupe key makes a replay of this event after a crash between
// queueing and marking progress harmless.
func (e *DMExecutor) queueReply(ctx context.Context, payload store.DMIncomingPayload, text string) error {
	_, err := e.store.Publish(ctx, store.EventInput{
		Type:      store.EventOutboundDMRequest,
		Lane:      store.LaneInteractive,
		DedupeKey: fmt.Sprintf("outbound:%s:reply", payload.MessageID),
		Payload: store.OutboundPayload{
			Source:    "dm-reply",
			Text:      text,
			ChannelID: payload.ChannelID,
		},
	})
	if err != nil {
		return fmt.Errorf("queueing dm reply: %w", err)
	}
	return nil
}

// handleCommand intercepts bridge control commands.
func (e *DMExecutor) handleCommand(ctx context.Context, payload store.DMIncomingPayload, content string) (bool, error) {
	switch strings.TrimSpace(content) {
	case cmdReset:
		if err := e.sessions.Clear(""); err != nil {
			return true, err
		}
		return true, e.deliver(ctx, payload, "Session cleared. Starting fresh conversation.")
	case cmdSession:
		id, err := e.sessions.Load("")
		if err != nil {
			return true, err
		}
		if id == "" {
			return true, e.deliver(ctx, payload, "No active session.")
		}
		return true, e.deliver(ctx, payload, "Current session: "+id)
	}
	return false, nil
}

// askAgent runs the prompt, retrying a few times when the agent produces an
// empty reply. The last response is returned even when it stays empty: an
// empty reply is not a failure, and the delivery path substitutes a
// placeholder for it.
func (e *DMExecutor) askAgent(ctx context.Context, payload store.DMIncomingPayload, msg *discordgo.Message) (*agent.Response, error) {
	var attachments []agent.Attachment
	for _, a := range msg.Attachments {
		attachments = append(attachments, agent.Attachment{Name: a.Filename, URL: a.URL})
	}

	req := agent.Request{
		Prompt: agent.BuildUserPrompt(msg.Content, attachments),
		Context: agent.PromptContext{
			Source: "dm",
			UserID: payload.AuthorID,
		},
	}

	var resp *agent.Response
	for attempt := 0; attempt <= emptyResponseRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("agent returned empty response, retrying",
				"message_id", payload.MessageID, "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(emptyResponseWait):
			}
		}
		r, err := e.agent.SendToAgent(ctx, req)
		if err != nil {
			return nil, err
		}
		resp = r
		if strings.TrimSpace(resp.Text) != "" {
			break
		}
	}
	return resp, nil
}

// keepTyping shows the typing indicator until the returned stop func runs.
func (e *DMExecutor) keepTyping(ctx context.Context, channelID string) func() {
	typingCtx, cancel := context.WithCancel(ctx)
	if err := e.chat.TriggerTyping(typingCtx, channelID); err != nil {
		e.logger.Debug("failed to trigger typing", "channel_id", channelID, "error", err)
	}
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				if err := e.chat.TriggerTyping(typingCtx, channelID); err != nil {
					e.logger.Debug("failed to refresh typing", "channel_id", channelID, "error", err)
				}
			}
		}
	}()
	return cancel
}

// deliver sends reply text to the user's channel in limit-sized chunks.
func (e *DMExecutor) deliver(ctx context.Context, payload store.DMIncomingPayload, text string) error {
	for _, chunk := range discord.SplitMessage(text) {
		if _, err := e.chat.SendMessage(ctx, payload.ChannelID, chunk); err != nil {
			if discord.IsTerminalError(err) {
				return e.failTerminally(ctx, payload, err)
			}
			return err
		}
	}
	return nil
}

// failAuth tells the user the agent needs re-authentication, marks the
// message failed, and dead-letters the event. The outbound notice is queued
// with a dedupe key so event replays cannot repeat it.
func (e *DMExecutor) failAuth(ctx context.Context, payload store.DMIncomingPayload, authErr error) error {
	notice := "The agent is not authenticated and cannot process messages: " + authErr.Error()
	if len(notice) > 1900 {
		notice = notice[:1900]
	}
	// Keyed by message id, not event id: reconcile republishes the same
	// message under a fresh event and must not repeat the notice.
	_, err := e.store.Publish(ctx, store.EventInput{
		Type:      store.EventOutboundDMRequest,
		Lane:      store.LaneInteractive,
		DedupeKey: fmt.Sprintf("outbound:%s:error", payload.MessageID),
		Payload: store.OutboundPayload{
			Source:    "dm-error",
			Text:      notice,
			ChannelID: payload.ChannelID,
		},
	})
	if err != nil {
		e.logger.Error("failed to queue auth failure notice",
			"message_id", payload.MessageID, "error", err)
	}
	return e.failTerminally(ctx, payload, authErr)
}

// OnExhausted settles the message when the worker gives up after repeated
// transient failures, so the reconcile sweep stops republishing it.
func (e *DMExecutor) OnExhausted(ctx context.Context, ev *store.Event, cause error) {
	var payload store.DMIncomingPayload
	if err := store.DecodePayload(ev, &payload); err != nil {
		e.logger.Error("cannot settle exhausted event",
			"event_id", ev.ID, "error", err)
		return
	}
	_ = e.failTerminally(ctx, payload, cause)
}

// failTerminally marks the message as permanently failed, applies the
// failure reaction on a best-effort basis, and dead-letters the event.
func (e *DMExecutor) failTerminally(ctx context.Context, payload store.DMIncomingPayload, cause error) error {
	if err := e.store.MarkDMTerminalFailure(ctx, payload.MessageID, cause.Error()); err != nil {
		e.logger.Error("failed to mark terminal failure",
			"message_id", payload.MessageID, "error", err)
	}
	if err := e.chat.AddReaction(ctx, payload.ChannelID, payload.MessageID, discord.ReactionFail); err != nil {
		e.logger.Warn("failed to apply failure reaction",
			"message_id", payload.MessageID, "error", err)
	}
	return Terminal(cause)
}

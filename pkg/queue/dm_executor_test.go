package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

func dmEvent(t *testing.T, st *store.Store, messageID, channelID, authorID string) *store.Event {
	t.Helper()
	ctx := context.Background()
	id, err := st.Publish(ctx, store.EventInput{
		Type: store.EventDMIncoming,
		Payload: store.DMIncomingPayload{
			MessageID: messageID, ChannelID: channelID, AuthorID: authorID,
		},
	})
	require.NoError(t, err)
	ev, err := st.ClaimNext(ctx, "test-worker")
	require.NoError(t, err)
	require.Equal(t, id, ev.ID)
	return ev
}

func newDMExecutorUnderTest(t *testing.T, st *store.Store, chat *fakeChat, ag Agent) *DMExecutor {
	t.Helper()
	return NewDMExecutor(st, chat, ag, agent.NewSessionStore(t.TempDir()))
}

func TestDMExecutorHappyPath(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "what's the weather"}
	ag := &fakeAgent{responses: []*agent.Response{{Text: "sunny all week", SessionID: "s1"}}}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	assert.True(t, chat.hasReaction("m1", discord.ReactionAck))
	assert.True(t, chat.hasReaction("m1", discord.ReactionDone))
	assert.Empty(t, chat.sent, "delivery belongs to the outbound pipeline")

	// The reply rides an outbound event keyed to the message.
	out, err := st.ClaimNext(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, store.EventOutboundDMRequest, out.Type)
	assert.Equal(t, store.LaneInteractive, out.Lane)
	assert.Equal(t, "outbound:m1:reply", out.DedupeKey)
	var outPayload store.OutboundPayload
	require.NoError(t, store.DecodePayload(out, &outPayload))
	assert.Equal(t, "sunny all week", outPayload.Text)
	assert.Equal(t, "c1", outPayload.ChannelID)
	assert.Equal(t, "dm-reply", outPayload.Source)

	state, err := st.GetDMState(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, state.EyeApplied)
	assert.True(t, state.ProcessingDone)
	assert.True(t, state.CheckApplied)

	require.Len(t, ag.requests, 1)
	assert.Equal(t, "dm", ag.requests[0].Context.Source)
	assert.Equal(t, "u1", ag.requests[0].Context.UserID)
	assert.Contains(t, ag.requests[0].Prompt, "what's the weather")
}

func TestDMExecutorSettledMessageIsNoop(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ctx := context.Background()
	require.NoError(t, st.UpsertDM(ctx, "m1", "c1", "u1"))
	require.NoError(t, st.MarkCheckApplied(ctx, "m1"))

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(ctx, ev))

	assert.Empty(t, chat.reactions)
	assert.Empty(t, ag.requests)
}

func TestDMExecutorReplaySkipsCompletedSteps(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hi"}
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	// Crash happened after the reply was delivered but before the
	// completion reaction landed.
	ctx := context.Background()
	require.NoError(t, st.UpsertDM(ctx, "m1", "c1", "u1"))
	require.NoError(t, st.MarkEyeApplied(ctx, "m1"))
	require.NoError(t, st.MarkProcessingDone(ctx, "m1"))

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(ctx, ev))

	// Only the completion reaction is replayed; no second agent run, no
	// duplicate reply, no duplicate acknowledgement.
	assert.Empty(t, ag.requests)
	assert.Empty(t, chat.sent)
	assert.False(t, chat.hasReaction("m1", discord.ReactionAck))
	assert.True(t, chat.hasReaction("m1", discord.ReactionDone))
}

func TestDMExecutorReplayDoesNotDuplicateReply(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hi"}
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ctx := context.Background()
	payload := store.DMIncomingPayload{MessageID: "m1", ChannelID: "c1", AuthorID: "u1"}
	require.NoError(t, st.UpsertDM(ctx, "m1", "c1", "u1"))

	// Crash landed between queueing the reply and marking processing done:
	// the replay runs the whole processing step again.
	require.NoError(t, e.process(ctx, payload))
	require.NoError(t, e.process(ctx, payload))

	out, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, "outbound:m1:reply", out.DedupeKey)
	require.NoError(t, st.MarkDone(ctx, out.ID))

	_, err = st.ClaimNext(ctx, "w")
	assert.ErrorIs(t, err, store.ErrNoEventsAvailable, "one reply per message")
}

func TestDMExecutorTerminalReactionErrorFailsMessage(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.reactionErr = terminalRESTError()
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	err := e.Execute(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	state, stateErr := st.GetDMState(context.Background(), "m1")
	require.NoError(t, stateErr)
	assert.True(t, state.TerminalFailed)
	assert.True(t, chat.hasReaction("m1", discord.ReactionFail))
	assert.Empty(t, ag.requests)
}

func TestDMExecutorGuildChannelIsTerminal(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.notDM["guild-chan"] = true
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "guild-chan", Content: "hi"}
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "guild-chan", "u1")
	err := e.Execute(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, discord.ErrNotDirectMessage)
	assert.Empty(t, ag.requests)
}

func TestDMExecutorAgentErrorFailsMessage(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hi"}
	ag := &fakeAgent{errs: []error{agent.ErrTimeout}}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	err := e.Execute(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	state, stateErr := st.GetDMState(context.Background(), "m1")
	require.NoError(t, stateErr)
	assert.True(t, state.TerminalFailed)
	assert.Equal(t, agent.ErrTimeout.Error(), state.LastError)
	assert.True(t, chat.hasReaction("m1", discord.ReactionFail))
}

func TestDMExecutorAuthFailure(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hello"}
	ag := &fakeAgent{errs: []error{agent.ErrAuth}}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	err := e.Execute(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	ctx := context.Background()
	state, stateErr := st.GetDMState(ctx, "m1")
	require.NoError(t, stateErr)
	assert.True(t, state.TerminalFailed)
	assert.True(t, chat.hasReaction("m1", discord.ReactionFail))

	// The user gets told, exactly once even across replays.
	noticeID, pubErr := st.Publish(ctx, store.EventInput{
		Type:      store.EventOutboundDMRequest,
		DedupeKey: "outbound:m1:error",
	})
	require.NoError(t, pubErr)
	claimed, claimErr := st.ClaimNext(ctx, "w")
	require.NoError(t, claimErr)
	assert.Equal(t, noticeID, claimed.ID)

	var payload store.OutboundPayload
	require.NoError(t, store.DecodePayload(claimed, &payload))
	assert.Contains(t, payload.Text, "not authenticated")
}

func TestDMExecutorRetriesEmptyResponse(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hi"}
	ag := &fakeAgent{responses: []*agent.Response{{Text: "  "}, {Text: "second try worked"}}}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	assert.Len(t, ag.requests, 2)

	out, err := st.ClaimNext(context.Background(), "w")
	require.NoError(t, err)
	var outPayload store.OutboundPayload
	require.NoError(t, store.DecodePayload(out, &outPayload))
	assert.Equal(t, "second try worked", outPayload.Text)
}

func TestDMExecutorEmptyReplyAfterRetriesStillSettles(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "hi"}
	ag := &fakeAgent{responses: []*agent.Response{{Text: ""}, {Text: " "}, {Text: ""}, {Text: ""}}}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	assert.Len(t, ag.requests, 1+emptyResponseRetries)

	// An empty reply is not a failure: the message settles normally and the
	// delivery path substitutes a placeholder.
	ctx := context.Background()
	state, err := st.GetDMState(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, state.CheckApplied)
	assert.False(t, state.TerminalFailed)
	assert.False(t, chat.hasReaction("m1", discord.ReactionFail))
	assert.True(t, chat.hasReaction("m1", discord.ReactionDone))

	out, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	var outPayload store.OutboundPayload
	require.NoError(t, store.DecodePayload(out, &outPayload))
	assert.Empty(t, outPayload.Text)
	assert.Equal(t, "dm-reply", outPayload.Source)
}

func TestDMExecutorExhaustedRetriesSettleMessage(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	e := newDMExecutorUnderTest(t, st, chat, &fakeAgent{})

	ctx := context.Background()
	require.NoError(t, st.UpsertDM(ctx, "m1", "c1", "u1"))
	ev := dmEvent(t, st, "m1", "c1", "u1")

	e.OnExhausted(ctx, ev, errors.New("network down"))

	state, err := st.GetDMState(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, state.TerminalFailed)
	assert.True(t, chat.hasReaction("m1", discord.ReactionFail))
}

func TestDMExecutorResetCommand(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "!reset"}
	ag := &fakeAgent{}
	sessions := agent.NewSessionStore(t.TempDir())
	require.NoError(t, sessions.Save("", "old-session"))
	e := NewDMExecutor(st, chat, ag, sessions)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	stored, err := sessions.Load("")
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, ag.requests, "commands never reach the agent")
	require.Len(t, chat.sent, 1)
	assert.Contains(t, chat.sent[0].Content, "Session cleared")
	assert.True(t, chat.hasReaction("m1", discord.ReactionDone))
	assert.Greater(t, chat.typing, 0, "commands keep the typing indicator")
}

func TestDMExecutorSessionCommand(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{ID: "m1", ChannelID: "c1", Content: "!session"}
	sessions := agent.NewSessionStore(t.TempDir())
	require.NoError(t, sessions.Save("", "sess-abc"))
	e := NewDMExecutor(st, chat, &fakeAgent{}, sessions)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	require.Len(t, chat.sent, 1)
	assert.Contains(t, chat.sent[0].Content, "sess-abc")
}

func TestDMExecutorAttachmentsReachPrompt(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.messages["m1"] = &discordgo.Message{
		ID: "m1", ChannelID: "c1", Content: "look at this",
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "log.txt", URL: "https://cdn.example/log.txt"},
		},
	}
	ag := &fakeAgent{}
	e := newDMExecutorUnderTest(t, st, chat, ag)

	ev := dmEvent(t, st, "m1", "c1", "u1")
	require.NoError(t, e.Execute(context.Background(), ev))

	require.Len(t, ag.requests, 1)
	assert.Contains(t, ag.requests[0].Prompt, "log.txt")
	assert.Contains(t, ag.requests[0].Prompt, "https://cdn.example/log.txt")
}

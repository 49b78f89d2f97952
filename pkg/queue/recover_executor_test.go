package queue

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/pkg/store"
)

func recoverEvent(t *testing.T, st *store.Store, reason string) *store.Event {
	t.Helper()
	ctx := context.Background()
	_, err := st.Publish(ctx, store.EventInput{
		Type:    store.EventDMRecoverRun,
		Lane:    store.LaneSystem,
		Payload: store.RecoverPayload{Reason: reason},
	})
	require.NoError(t, err)
	ev, err := st.ClaimNext(ctx, "test-worker")
	require.NoError(t, err)
	return ev
}

func userMessage(id, channelID, authorID string) *discordgo.Message {
	return &discordgo.Message{
		ID: id, ChannelID: channelID, Content: "hello",
		Author: &discordgo.User{ID: authorID},
	}
}

func TestRecoverExecutorSeedsOffsetOnFirstRun(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	chat.history["c1"] = []*discordgo.Message{
		userMessage("100", "c1", "u1"),
		userMessage("200", "c1", "u1"),
	}
	e := NewRecoverExecutor(st, chat, []string{"u1"})

	ev := recoverEvent(t, st, "startup")
	require.NoError(t, e.Execute(context.Background(), ev))

	// History before the first run is not replayed; the offset starts at
	// the newest message.
	offset, err := st.GetOffset(context.Background(), "dm_user:u1")
	require.NoError(t, err)
	assert.Equal(t, "200", offset)

	_, err = st.ClaimNext(context.Background(), "w")
	assert.ErrorIs(t, err, store.ErrNoEventsAvailable)
}

func TestRecoverExecutorQueuesMissedMessages(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	chat.history["c1"] = []*discordgo.Message{
		userMessage("100", "c1", "u1"),
		userMessage("200", "c1", "u1"),
		userMessage("300", "c1", "u1"),
	}
	e := NewRecoverExecutor(st, chat, []string{"u1"})

	ctx := context.Background()
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u1", "100"))

	ev := recoverEvent(t, st, "reconnect")
	require.NoError(t, e.Execute(ctx, ev))

	offset, err := st.GetOffset(ctx, "dm_user:u1")
	require.NoError(t, err)
	assert.Equal(t, "300", offset)

	var recovered []string
	for {
		claimed, err := st.ClaimNext(ctx, "w")
		if err != nil {
			break
		}
		assert.Equal(t, store.EventDMIncoming, claimed.Type)
		assert.Equal(t, store.LaneRecovery, claimed.Lane)
		var payload store.DMIncomingPayload
		require.NoError(t, store.DecodePayload(claimed, &payload))
		recovered = append(recovered, payload.MessageID)
		require.NoError(t, st.MarkDone(ctx, claimed.ID))
	}
	assert.Equal(t, []string{"200", "300"}, recovered)
}

func TestRecoverExecutorSkipsBotAndForeignMessages(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	bot := userMessage("200", "c1", "bot-id")
	bot.Author.Bot = true
	chat.history["c1"] = []*discordgo.Message{
		bot,
		userMessage("300", "c1", "someone-else"),
		userMessage("400", "c1", "u1"),
	}
	e := NewRecoverExecutor(st, chat, []string{"u1"})

	ctx := context.Background()
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u1", "100"))

	ev := recoverEvent(t, st, "reconnect")
	require.NoError(t, e.Execute(ctx, ev))

	claimed, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	var payload store.DMIncomingPayload
	require.NoError(t, store.DecodePayload(claimed, &payload))
	assert.Equal(t, "400", payload.MessageID)
	require.NoError(t, st.MarkDone(ctx, claimed.ID))

	_, err = st.ClaimNext(ctx, "w")
	assert.ErrorIs(t, err, store.ErrNoEventsAvailable)
}

func TestRecoverExecutorSkipsSettledAndActiveMessages(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	chat.history["c1"] = []*discordgo.Message{
		userMessage("200", "c1", "u1"),
		userMessage("300", "c1", "u1"),
	}
	e := NewRecoverExecutor(st, chat, []string{"u1"})

	ctx := context.Background()
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u1", "100"))

	// 200 already finished; 300 already has an event in flight.
	require.NoError(t, st.UpsertDM(ctx, "200", "c1", "u1"))
	require.NoError(t, st.MarkCheckApplied(ctx, "200"))
	_, err := st.Publish(ctx, store.EventInput{
		Type:    store.EventDMIncoming,
		Payload: store.DMIncomingPayload{MessageID: "300", ChannelID: "c1", AuthorID: "u1"},
	})
	require.NoError(t, err)

	ev := recoverEvent(t, st, "reconnect")
	require.NoError(t, e.Execute(ctx, ev))

	// Only the pre-existing event for 300 remains claimable.
	claimed, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	var payload store.DMIncomingPayload
	require.NoError(t, store.DecodePayload(claimed, &payload))
	assert.Equal(t, "300", payload.MessageID)
	require.NoError(t, st.MarkDone(ctx, claimed.ID))

	_, err = st.ClaimNext(ctx, "w")
	assert.ErrorIs(t, err, store.ErrNoEventsAvailable)

	offset, err := st.GetOffset(ctx, "dm_user:u1")
	require.NoError(t, err)
	assert.Equal(t, "300", offset, "offset advances past skipped messages")
}

func TestReconcileExecutorRepublishesStalledMessages(t *testing.T) {
	st := newQueueStore(t)
	e := NewReconcileExecutor(st)

	ctx := context.Background()
	// Stuck without acknowledgement.
	require.NoError(t, st.UpsertDM(ctx, "m-noack", "c1", "u1"))
	// Reply delivered, completion mark missing.
	require.NoError(t, st.UpsertDM(ctx, "m-nodone", "c1", "u1"))
	require.NoError(t, st.MarkEyeApplied(ctx, "m-nodone"))
	require.NoError(t, st.MarkProcessingDone(ctx, "m-nodone"))
	// Fully settled, must not be touched.
	require.NoError(t, st.UpsertDM(ctx, "m-settled", "c1", "u1"))
	require.NoError(t, st.MarkCheckApplied(ctx, "m-settled"))

	require.NoError(t, e.Execute(ctx, &store.Event{Type: store.EventDMReconcileRun, Payload: []byte(`{}`)}))

	var republished []string
	for {
		claimed, err := st.ClaimNext(ctx, "w")
		if err != nil {
			break
		}
		assert.Equal(t, reconcilePriority, claimed.Priority)
		var payload store.DMIncomingPayload
		require.NoError(t, store.DecodePayload(claimed, &payload))
		republished = append(republished, payload.MessageID)
		require.NoError(t, st.MarkDone(ctx, claimed.ID))
	}
	assert.ElementsMatch(t, []string{"m-noack", "m-nodone"}, republished)
}

func TestReconcileExecutorSkipsActiveMessages(t *testing.T) {
	st := newQueueStore(t)
	e := NewReconcileExecutor(st)

	ctx := context.Background()
	require.NoError(t, st.UpsertDM(ctx, "m1", "c1", "u1"))
	_, err := st.Publish(ctx, store.EventInput{
		Type:    store.EventDMIncoming,
		Payload: store.DMIncomingPayload{MessageID: "m1", ChannelID: "c1", AuthorID: "u1"},
	})
	require.NoError(t, err)

	require.NoError(t, e.Execute(ctx, &store.Event{Type: store.EventDMReconcileRun, Payload: []byte(`{}`)}))

	// Reconcile ran back to back with the event still queued; exactly one
	// event exists for the message.
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[string(store.StatusPending)])
}

func TestRecoverExecutorMultipleUsers(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	chat.channels["u2"] = "c2"
	chat.history["c1"] = []*discordgo.Message{userMessage("200", "c1", "u1")}
	chat.history["c2"] = []*discordgo.Message{userMessage("500", "c2", "u2")}
	e := NewRecoverExecutor(st, chat, []string{"u1", "u2"})

	ctx := context.Background()
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u1", "100"))
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u2", "400"))

	ev := recoverEvent(t, st, "reconnect")
	require.NoError(t, e.Execute(ctx, ev))

	count := 0
	for {
		claimed, err := st.ClaimNext(ctx, "w")
		if err != nil {
			break
		}
		count++
		require.NoError(t, st.MarkDone(ctx, claimed.ID))
	}
	assert.Equal(t, 2, count)
	for i, scope := range []string{"dm_user:u1", "dm_user:u2"} {
		offset, err := st.GetOffset(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, []string{"200", "500"}[i], offset)
	}
}

func TestRecoverExecutorSkipsEmptyMessages(t *testing.T) {
	st := newQueueStore(t)
	chat := newFakeChat()
	chat.channels["u1"] = "c1"
	empty := userMessage("200", "c1", "u1")
	empty.Content = "   "
	withFile := userMessage("300", "c1", "u1")
	withFile.Content = ""
	withFile.Attachments = []*discordgo.MessageAttachment{{Filename: "notes.txt", URL: "https://cdn/notes.txt"}}
	chat.history["c1"] = []*discordgo.Message{empty, withFile}
	e := NewRecoverExecutor(st, chat, []string{"u1"})

	ctx := context.Background()
	require.NoError(t, st.UpdateOffset(ctx, "dm_user:u1", "100"))

	ev := recoverEvent(t, st, "reconnect")
	require.NoError(t, e.Execute(ctx, ev))

	claimed, err := st.ClaimNext(ctx, "w")
	require.NoError(t, err)
	var payload store.DMIncomingPayload
	require.NoError(t, store.DecodePayload(claimed, &payload))
	assert.Equal(t, "300", payload.MessageID)
	require.NoError(t, st.MarkDone(ctx, claimed.ID))

	_, err = st.ClaimNext(ctx, "w")
	assert.ErrorIs(t, err, store.ErrNoEventsAvailable)

	// The offset still moves past the skipped message.
	offset, err := st.GetOffset(ctx, "dm_user:u1")
	require.NoError(t, err)
	assert.Equal(t, "300", offset)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// recoverPageSize is how many messages one history request fetches.
const recoverPageSize = 100

// recoveryPriority orders recovered messages behind live interactive
// traffic within the recovery lane.
const recoveryPriority = 5

// RecoverExecutor processes dm.recover.run events: for every allowlisted
// user it walks DM history past the stored delivery offset and queues any
// message the bridge missed while disconnected.
type RecoverExecutor struct {
	store   *store.Store
	chat    Chat
	userIDs []string
	logger  *slog.Logger
}

// NewRecoverExecutor builds the recovery executor over the allowlisted
// users.
func NewRecoverExecutor(st *store.Store, chat Chat, userIDs []string) *RecoverExecutor {
	return &RecoverExecutor{
		store:   st,
		chat:    chat,
		userIDs: userIDs,
		logger:  slog.Default().With("component", "recover-executor"),
	}
}

// Type implements Executor.
func (e *RecoverExecutor) Type() store.EventType { return store.EventDMRecoverRun }

// Execute runs one recovery sweep across all users. Per-user failures do
// not abort the sweep; the first error is reported so the event retries.
func (e *RecoverExecutor) Execute(ctx context.Context, ev *store.Event) error {
	var payload store.RecoverPayload
	if err := store.DecodePayload(ev, &payload); err != nil {
		return Terminal(err)
	}
	e.logger.Info("recovery sweep starting", "reason", payload.Reason, "users", len(e.userIDs))

	var firstErr error
	for _, userID := range e.userIDs {
		if err := e.recoverUser(ctx, userID); err != nil {
			e.logger.Error("recovery failed for user", "user_id", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *RecoverExecutor) recoverUser(ctx context.Context, userID string) error {
	channelID, err := e.chat.UserChannel(ctx, userID)
	if err != nil {
		if discord.IsTerminalError(err) {
			e.logger.Warn("skipping unreachable user", "user_id", userID, "error", err)
			return nil
		}
		return err
	}

	scope := discord.OffsetScope(userID)
	offset, err := e.store.GetOffset(ctx, scope)
	if errors.Is(err, store.ErrOffsetNotFound) {
		return e.seedOffset(ctx, scope, channelID)
	}
	if err != nil {
		return err
	}

	recovered := 0
	for {
		msgs, err := e.chat.MessagesAfter(ctx, channelID, offset, recoverPageSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			queued, err := e.maybeQueue(ctx, userID, channelID, msg)
			if err != nil {
				return err
			}
			if queued {
				recovered++
			}
			// The offset moves regardless of whether the message was
			// queued here or was already in flight.
			if err := e.store.UpdateOffset(ctx, scope, msg.ID); err != nil {
				return err
			}
			offset = msg.ID
		}
		if len(msgs) < recoverPageSize {
			break
		}
	}

	if recovered > 0 {
		e.logger.Info("recovered missed messages", "user_id", userID, "count", recovered)
	}
	return nil
}

// seedOffset records the newest message as the starting point for a user
// seen for the first time. History before the bridge existed is not
// replayed.
func (e *RecoverExecutor) seedOffset(ctx context.Context, scope, channelID string) error {
	msgs, err := e.chat.RecentMessages(ctx, channelID, 1)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	newest := msgs[len(msgs)-1]
	e.logger.Info("seeding delivery offset", "scope", scope, "message_id", newest.ID)
	return e.store.UpdateOffset(ctx, scope, newest.ID)
}

// maybeQueue publishes a dm.incoming event for a missed message, unless it
// is not the user's, already settled, or already in flight.
func (e *RecoverExecutor) maybeQueue(ctx context.Context, userID, channelID string, msg *discordgo.Message) (bool, error) {
	if msg.Author == nil || msg.Author.ID != userID || msg.Author.Bot {
		return false, nil
	}
	// Joins, pins and other system noise carry neither text nor files.
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return false, nil
	}

	state, err := e.store.GetDMState(ctx, msg.ID)
	if err != nil && !errors.Is(err, store.ErrDMNotFound) {
		return false, err
	}
	if state != nil && (state.CheckApplied || state.TerminalFailed) {
		return false, nil
	}

	active, err := e.store.HasActiveDMIncoming(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	if err := e.store.UpsertDM(ctx, msg.ID, channelID, userID); err != nil {
		return false, err
	}
	_, err = e.store.Publish(ctx, store.EventInput{
		Type:     store.EventDMIncoming,
		Lane:     store.LaneRecovery,
		Priority: recoveryPriority,
		Payload: store.DMIncomingPayload{
			MessageID: msg.ID,
			ChannelID: channelID,
			AuthorID:  userID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("queueing recovered message %s: %w", msg.ID, err)
	}
	return true, nil
}

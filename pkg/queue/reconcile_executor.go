package queue

import (
	"context"
	"log/slog"

	"github.com/agentbridge/agentbridge/pkg/store"
)

// reconcileBatchSize bounds how many stuck messages one reconcile pass
// repairs per category.
const reconcileBatchSize = 50

// reconcilePriority puts republished events ahead of fresh interactive
// traffic: these messages have already waited once.
const reconcilePriority = 15

// ReconcileExecutor processes dm.reconcile.run events: it finds messages
// whose lifecycle stalled, an acknowledgement that never landed or a reply
// delivered without its completion mark, and republishes them so the DM
// executor finishes the remaining steps.
type ReconcileExecutor struct {
	store  *store.Store
	logger *slog.Logger
}

// NewReconcileExecutor builds the reconcile executor.
func NewReconcileExecutor(st *store.Store) *ReconcileExecutor {
	return &ReconcileExecutor{
		store:  st,
		logger: slog.Default().With("component", "reconcile-executor"),
	}
}

// Type implements Executor.
func (e *ReconcileExecutor) Type() store.EventType { return store.EventDMReconcileRun }

// Execute runs one reconcile pass.
func (e *ReconcileExecutor) Execute(ctx context.Context, _ *store.Event) error {
	missingEye, err := e.store.ListDMMissingEye(ctx, reconcileBatchSize)
	if err != nil {
		return err
	}
	missingCheck, err := e.store.ListDMMissingCheck(ctx, reconcileBatchSize)
	if err != nil {
		return err
	}

	republished := 0
	for _, st := range append(missingEye, missingCheck...) {
		queued, err := e.republish(ctx, st)
		if err != nil {
			return err
		}
		if queued {
			republished++
		}
	}

	if republished > 0 {
		e.logger.Info("reconcile republished stalled messages",
			"count", republished,
			"missing_ack", len(missingEye), "missing_done", len(missingCheck))
	}
	return nil
}

// republish queues a dm.incoming event for a stalled message unless one is
// already in flight. The DM executor's monotonic flags make the replay skip
// completed steps.
func (e *ReconcileExecutor) republish(ctx context.Context, st *store.DMState) (bool, error) {
	active, err := e.store.HasActiveDMIncoming(ctx, st.MessageID)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	_, err = e.store.Publish(ctx, store.EventInput{
		Type:     store.EventDMIncoming,
		Lane:     store.LaneInteractive,
		Priority: reconcilePriority,
		Payload: store.DMIncomingPayload{
			MessageID: st.MessageID,
			ChannelID: st.ChannelID,
			AuthorID:  st.AuthorID,
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

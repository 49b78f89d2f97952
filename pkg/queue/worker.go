package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/pkg/config"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// WorkerStatus represents the current state of the worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a snapshot of worker state for the health endpoint.
type WorkerHealth struct {
	ID              string       `json:"id"`
	Status          WorkerStatus `json:"status"`
	CurrentEventID  string       `json:"current_event_id,omitempty"`
	EventsProcessed int          `json:"events_processed"`
	LastActivity    time.Time    `json:"last_activity"`
}

// Worker is the single event-processing loop. One worker per daemon: the
// agent serializes everything anyway, and a single consumer keeps event
// ordering trivial to reason about.
type Worker struct {
	id        string
	store     *store.Store
	cfg       config.QueueConfig
	executors map[store.EventType]Executor
	ready     ReadinessBarrier
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastSweep time.Time

	mu              sync.RWMutex
	status          WorkerStatus
	currentEventID  string
	eventsProcessed int
	lastActivity    time.Time
}

// NewWorker creates the event worker. ready may be nil when there is no
// connection to gate on (e.g. the send subcommand's inline worker).
func NewWorker(id string, st *store.Store, cfg config.QueueConfig, executors []Executor, ready ReadinessBarrier) *Worker {
	byType := make(map[store.EventType]Executor, len(executors))
	for _, ex := range executors {
		byType[ex.Type()] = ex
	}
	return &Worker{
		id:           id,
		store:        st,
		cfg:          cfg,
		executors:    byType,
		ready:        ready,
		logger:       slog.Default().With("component", "worker", "worker_id", id),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight event to
// finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          w.status,
		CurrentEventID:  w.currentEventID,
		EventsProcessed: w.eventsProcessed,
		LastActivity:    w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started")

	// Locks held by a previous process are stale by definition.
	if _, err := w.store.RequeueStaleProcessing(ctx, 0); err != nil {
		w.logger.Error("startup stale-lock sweep failed", "error", err)
	}
	w.lastSweep = time.Now()

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("context cancelled, worker shutting down")
			return
		default:
			if !w.waitReady(ctx) {
				continue
			}
			w.sweepStaleLocks(ctx)

			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoEventsAvailable) {
					w.sleep(w.cfg.PollInterval)
					continue
				}
				w.logger.Error("error processing event", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// waitReady blocks until the readiness barrier opens, bounded by the
// configured wait. Returns false when the worker should re-check its stop
// conditions instead of claiming.
func (w *Worker) waitReady(ctx context.Context) bool {
	if w.ready == nil {
		return true
	}
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.ReadyWaitTimeout)
	defer cancel()
	if err := w.ready.WaitUntilReady(waitCtx); err != nil {
		w.logger.Warn("still waiting for connection readiness", "error", err)
		w.sleep(time.Second)
		return false
	}
	return true
}

// sweepStaleLocks periodically rescues events whose worker died mid-flight.
func (w *Worker) sweepStaleLocks(ctx context.Context) {
	if time.Since(w.lastSweep) < w.cfg.StaleLockTimeout/2 {
		return
	}
	w.lastSweep = time.Now()
	if _, err := w.store.RequeueStaleProcessing(ctx, w.cfg.StaleLockTimeout); err != nil {
		w.logger.Error("stale-lock sweep failed", "error", err)
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one event and runs it through its executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	ev, err := w.store.ClaimNext(ctx, w.id)
	if err != nil {
		return err
	}

	log := w.logger.With("event_id", ev.ID, "event_type", ev.Type, "attempt", ev.AttemptCount+1)
	log.Info("event claimed", "lane", ev.Lane, "priority", ev.Priority)

	w.setStatus(WorkerStatusWorking, ev.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	executor, ok := w.executors[ev.Type]
	if !ok {
		log.Error("no executor registered for event type")
		return w.store.MarkDead(ctx, ev.ID, fmt.Sprintf("no executor for event type %q", ev.Type))
	}

	// Keep the lock fresh during long handler runs so the stale sweep does
	// not hand the event to a future incarnation of this worker.
	touchCtx, stopTouch := context.WithCancel(ctx)
	go w.touchLoop(touchCtx, ev.ID)

	execErr := executor.Execute(ctx, ev)
	stopTouch()

	// Outcome writes use a background context so shutdown cannot strand the
	// event in processing.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case execErr == nil:
		if err := w.store.MarkDone(finishCtx, ev.ID); err != nil {
			return err
		}
		log.Info("event done")

	case IsTerminal(execErr):
		if err := w.store.MarkDead(finishCtx, ev.ID, execErr.Error()); err != nil {
			return err
		}
		log.Warn("event dead-lettered", "error", execErr)

	default:
		attempt := ev.AttemptCount + 1
		if attempt >= w.cfg.MaxAttempts {
			if h, ok := executor.(ExhaustedHandler); ok {
				h.OnExhausted(finishCtx, ev, execErr)
			}
			if err := w.store.MarkDead(finishCtx, ev.ID, fmt.Sprintf("giving up after %d attempts: %v", attempt, execErr)); err != nil {
				return err
			}
			log.Error("event exhausted retries", "error", execErr)
			break
		}
		delay, ok := explicitDelay(execErr)
		if !ok {
			delay = store.Backoff(attempt)
		}
		if err := w.store.MarkRetry(finishCtx, ev.ID, execErr.Error(), delay); err != nil {
			return err
		}
		log.Warn("event scheduled for retry", "delay", delay, "error", execErr)
	}

	w.mu.Lock()
	w.eventsProcessed++
	w.mu.Unlock()
	return nil
}

func (w *Worker) touchLoop(ctx context.Context, eventID string) {
	ticker := time.NewTicker(w.cfg.LockTouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchLock(ctx, eventID, w.id); err != nil {
				w.logger.Warn("lock touch failed", "event_id", eventID, "error", err)
			}
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus, eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentEventID = eventID
	w.lastActivity = time.Now()
}

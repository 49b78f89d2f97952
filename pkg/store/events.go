package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of queued work.
type EventType string

// Event types.
const (
	EventDMIncoming         EventType = "dm.incoming"
	EventOutboundDMRequest  EventType = "outbound.dm.request"
	EventSchedulerTriggered EventType = "scheduler.triggered"
	EventDMRecoverRun       EventType = "dm.recover.run"
	EventDMReconcileRun     EventType = "dm.reconcile.run"
)

// Lane is a coarse priority bucket that dominates numeric priority.
type Lane string

// Lanes, in claim order.
const (
	LaneInteractive Lane = "interactive"
	LaneRecovery    Lane = "recovery"
	LaneScheduled   Lane = "scheduled"
	LaneSystem      Lane = "system"
)

// Status is the lifecycle state of an event.
type Status string

// Event statuses. Done and dead are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
)

// ErrNoEventsAvailable indicates no claimable event exists right now.
var ErrNoEventsAvailable = errors.New("no events available")

// Event is one unit of queued work.
type Event struct {
	ID           string
	Type         EventType
	Lane         Lane
	Priority     int
	Payload      json.RawMessage
	DedupeKey    string // empty when unset
	AttemptCount int
	Status       Status
	AvailableAt  time.Time
	LockedBy     string
	LockedAt     time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EventInput describes an event to publish.
type EventInput struct {
	Type        EventType
	Lane        Lane
	Priority    int
	Payload     any
	DedupeKey   string
	AvailableAt time.Time // zero means now
}

// laneRankSQL maps lanes to their claim order inside queries.
const laneRankSQL = `CASE lane
	WHEN 'interactive' THEN 0
	WHEN 'recovery' THEN 1
	WHEN 'scheduled' THEN 2
	ELSE 3 END`

const eventColumns = `id, type, lane, priority, payload, dedupe_key,
	attempt_count, status, available_at, locked_by, locked_at, last_error,
	created_at, updated_at`

// Publish inserts a pending event and returns its id. When the input carries
// a dedupe key that already exists, the existing event's id is returned and
// no new row is created.
func (s *Store) Publish(ctx context.Context, in EventInput) (string, error) {
	payload, err := marshalPayload(in.Payload)
	if err != nil {
		return "", err
	}

	lane := in.Lane
	if lane == "" {
		lane = LaneInteractive
	}
	ts := now()
	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = ts
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if in.DedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM events WHERE dedupe_key = ?`, in.DedupeKey).Scan(&existing)
		switch {
		case err == nil:
			return existing, tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("checking dedupe key: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, type, lane, priority, payload, dedupe_key,
			attempt_count, status, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, string(in.Type), string(lane), in.Priority, string(payload),
		nullString(in.DedupeKey), string(StatusPending),
		toMillis(availableAt), toMillis(ts), toMillis(ts))
	if err != nil {
		return "", fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing publish: %w", err)
	}

	s.logger.Debug("event published",
		"event_id", id, "type", in.Type, "lane", lane, "priority", in.Priority)
	return id, nil
}

// ClaimNext atomically claims the highest-priority claimable event for
// workerID: lanes in rank order, then priority descending, then oldest
// first. Returns ErrNoEventsAvailable when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Event, error) {
	ts := now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status IN (?, ?) AND available_at <= ?
		ORDER BY `+laneRankSQL+` ASC, priority DESC, created_at ASC, id ASC
		LIMIT 1`,
		string(StatusPending), string(StatusRetry), toMillis(ts))

	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoEventsAvailable
		}
		return nil, fmt.Errorf("selecting claimable event: %w", err)
	}

	// Conditional update: a competing claimer that won first leaves the row
	// in processing and this update matches nothing.
	res, err := tx.ExecContext(ctx, `
		UPDATE events
		SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusProcessing), workerID, toMillis(ts), toMillis(ts),
		ev.ID, string(StatusPending), string(StatusRetry))
	if err != nil {
		return nil, fmt.Errorf("locking event %s: %w", ev.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNoEventsAvailable
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	ev.Status = StatusProcessing
	ev.LockedBy = workerID
	ev.LockedAt = ts
	ev.UpdatedAt = ts
	return ev, nil
}

// MarkDone transitions an event to the terminal done status.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(StatusDone), toMillis(now()), id)
	if err != nil {
		return fmt.Errorf("marking event %s done: %w", id, err)
	}
	return nil
}

// MarkRetry schedules another attempt after delay, recording the error.
func (s *Store) MarkRetry(ctx context.Context, id, errText string, delay time.Duration) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, attempt_count = attempt_count + 1, available_at = ?,
			last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(StatusRetry), toMillis(ts.Add(delay)), errText, toMillis(ts), id)
	if err != nil {
		return fmt.Errorf("marking event %s for retry: %w", id, err)
	}
	return nil
}

// MarkDead dead-letters an event; it will never be claimed again.
func (s *Store) MarkDead(ctx context.Context, id, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?,
			locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(StatusDead), errText, toMillis(now()), id)
	if err != nil {
		return fmt.Errorf("dead-lettering event %s: %w", id, err)
	}
	return nil
}

// RequeueStaleProcessing hands events whose lock is older than lockTimeout
// back to the queue as retry. Covers workers that died mid-processing.
func (s *Store) RequeueStaleProcessing(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	ts := now()
	cutoff := ts.Add(-lockTimeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		string(StatusRetry), toMillis(ts), string(StatusProcessing), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale events: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting requeued events: %w", err)
	}
	if count > 0 {
		s.logger.Warn("requeued stale processing events", "count", count)
	}
	return count, nil
}

// TouchLock refreshes the lock timestamp on an in-flight event so long
// handler runs are not reclaimed by the stale-lock sweep.
func (s *Store) TouchLock(ctx context.Context, id, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET locked_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?`,
		toMillis(now()), toMillis(now()), id, workerID, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("touching lock for event %s: %w", id, err)
	}
	return nil
}

// HasActiveDMIncoming reports whether a dm.incoming event for messageID is
// pending, processing, or waiting for retry. Used by reconcile/recovery to
// suppress duplicate enqueues.
func (s *Store) HasActiveDMIncoming(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE type = ? AND status IN (?, ?, ?)
			  AND json_extract(payload, '$.message_id') = ?
		)`,
		string(EventDMIncoming),
		string(StatusPending), string(StatusProcessing), string(StatusRetry),
		messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking active dm.incoming for %s: %w", messageID, err)
	}
	return exists, nil
}

// HasActiveEvent reports whether any event of the given type is pending,
// processing, or waiting for retry. Periodic producers use it to avoid
// stacking up identical work while the worker is blocked.
func (s *Store) HasActiveEvent(ctx context.Context, eventType EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE type = ? AND status IN (?, ?, ?)
		)`,
		string(eventType),
		string(StatusPending), string(StatusProcessing), string(StatusRetry)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking active %s events: %w", eventType, err)
	}
	return exists, nil
}

// GetEvent loads a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s not found", id)
		}
		return nil, fmt.Errorf("loading event %s: %w", id, err)
	}
	return ev, nil
}

// QueueStats summarizes queue contents for the ops endpoints.
type QueueStats struct {
	ByStatus  map[string]int `json:"by_status"`
	LaneDepth map[string]int `json:"lane_depth"` // claimable rows per lane
}

// Stats returns per-status counts and the claimable depth per lane.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus:  make(map[string]int),
		LaneDepth: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	laneRows, err := s.db.QueryContext(ctx, `
		SELECT lane, COUNT(*) FROM events
		WHERE status IN (?, ?)
		GROUP BY lane`,
		string(StatusPending), string(StatusRetry))
	if err != nil {
		return nil, fmt.Errorf("querying lane depth: %w", err)
	}
	defer laneRows.Close()
	for laneRows.Next() {
		var lane string
		var count int
		if err := laneRows.Scan(&lane, &count); err != nil {
			return nil, fmt.Errorf("scanning lane depth: %w", err)
		}
		stats.LaneDepth[lane] = count
	}
	if err := laneRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lane depth: %w", err)
	}

	return stats, nil
}

// ListDead returns the most recently dead-lettered events.
func (s *Store) ListDead(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events WHERE status = ?
		ORDER BY updated_at DESC LIMIT ?`,
		string(StatusDead), limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead events: %w", err)
	}
	return events, nil
}

// PruneTerminalEvents deletes done/dead events older than ttl. Returns the
// number of rows removed.
func (s *Store) PruneTerminalEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusDone), string(StatusDead), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning terminal events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		ev          Event
		typ, lane   string
		status      string
		payload     string
		dedupe      sql.NullString
		lockedBy    sql.NullString
		lockedAt    sql.NullInt64
		lastError   sql.NullString
		availableAt int64
		createdAt   int64
		updatedAt   int64
	)
	err := r.Scan(&ev.ID, &typ, &lane, &ev.Priority, &payload, &dedupe,
		&ev.AttemptCount, &status, &availableAt, &lockedBy, &lockedAt,
		&lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(typ)
	ev.Lane = Lane(lane)
	ev.Status = Status(status)
	ev.Payload = json.RawMessage(payload)
	ev.DedupeKey = dedupe.String
	ev.LockedBy = lockedBy.String
	ev.LockedAt = fromMillis(lockedAt.Int64)
	ev.LastError = lastError.String
	ev.AvailableAt = fromMillis(availableAt)
	ev.CreatedAt = fromMillis(createdAt)
	ev.UpdatedAt = fromMillis(updatedAt)
	return &ev, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}
	return b, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DMState tracks the visible lifecycle of one direct message. The flags are
// monotonic: once set they are never cleared, so crash replays converge on
// the same final state.
type DMState struct {
	MessageID      string
	ChannelID      string
	AuthorID       string
	EyeApplied     bool
	ProcessingDone bool
	CheckApplied   bool
	TerminalFailed bool
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrDMNotFound indicates no state row exists for a message.
var ErrDMNotFound = errors.New("dm message not tracked")

// UpsertDM records a message if it is not already tracked. Existing rows are
// left untouched so replays never reset lifecycle flags.
func (s *Store) UpsertDM(ctx context.Context, messageID, channelID, authorID string) error {
	ts := toMillis(now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_messages (message_id, channel_id, author_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, channelID, authorID, ts, ts)
	if err != nil {
		return fmt.Errorf("upserting dm state for %s: %w", messageID, err)
	}
	return nil
}

// GetDMState loads the lifecycle state for a message.
func (s *Store) GetDMState(ctx context.Context, messageID string) (*DMState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, last_error, created_at, updated_at
		FROM dm_messages WHERE message_id = ?`, messageID)
	st, err := scanDMState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDMNotFound
		}
		return nil, fmt.Errorf("loading dm state for %s: %w", messageID, err)
	}
	return st, nil
}

// MarkEyeApplied records that the acknowledgement reaction reached Discord.
func (s *Store) MarkEyeApplied(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "eye_applied")
}

// MarkProcessingDone records that the agent produced and delivered a reply.
func (s *Store) MarkProcessingDone(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "processing_done")
}

// MarkCheckApplied records that the completion reaction reached Discord. It
// implies processing finished, so both flags are set together.
func (s *Store) MarkCheckApplied(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dm_messages
		SET check_applied = 1, processing_done = 1, updated_at = ?
		WHERE message_id = ?`,
		toMillis(now()), messageID)
	if err != nil {
		return fmt.Errorf("marking check_applied for %s: %w", messageID, err)
	}
	return nil
}

// MarkDMTerminalFailure records that processing failed permanently.
func (s *Store) MarkDMTerminalFailure(ctx context.Context, messageID, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dm_messages
		SET terminal_failed = 1, last_error = ?, updated_at = ?
		WHERE message_id = ?`,
		errText, toMillis(now()), messageID)
	if err != nil {
		return fmt.Errorf("marking terminal failure for %s: %w", messageID, err)
	}
	return nil
}

// SetDMLastError records the most recent processing error without changing
// any lifecycle flag.
func (s *Store) SetDMLastError(ctx context.Context, messageID, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dm_messages SET last_error = ?, updated_at = ?
		WHERE message_id = ?`,
		errText, toMillis(now()), messageID)
	if err != nil {
		return fmt.Errorf("recording dm error for %s: %w", messageID, err)
	}
	return nil
}

// ListDMMissingEye returns messages still lacking the acknowledgement
// reaction, oldest update first.
func (s *Store) ListDMMissingEye(ctx context.Context, limit int) ([]*DMState, error) {
	return s.listDM(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, last_error, created_at, updated_at
		FROM dm_messages
		WHERE eye_applied = 0 AND terminal_failed = 0
		ORDER BY updated_at ASC LIMIT ?`, limit)
}

// ListDMMissingCheck returns messages whose reply was delivered but whose
// completion reaction never landed.
func (s *Store) ListDMMissingCheck(ctx context.Context, limit int) ([]*DMState, error) {
	return s.listDM(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, last_error, created_at, updated_at
		FROM dm_messages
		WHERE processing_done = 1 AND check_applied = 0 AND terminal_failed = 0
		ORDER BY updated_at ASC LIMIT ?`, limit)
}

// PruneSettledDM deletes fully settled rows older than retention. A row is
// settled once it either completed (check applied) or failed terminally.
func (s *Store) PruneSettledDM(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dm_messages
		WHERE (check_applied = 1 OR terminal_failed = 1) AND updated_at < ?`,
		toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning settled dm state: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) setDMFlag(ctx context.Context, messageID, column string) error {
	// column is always a compile-time constant from this file.
	_, err := s.db.ExecContext(ctx,
		`UPDATE dm_messages SET `+column+` = 1, updated_at = ? WHERE message_id = ?`,
		toMillis(now()), messageID)
	if err != nil {
		return fmt.Errorf("marking %s for %s: %w", column, messageID, err)
	}
	return nil
}

func (s *Store) listDM(ctx context.Context, query string, limit int) ([]*DMState, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dm state: %w", err)
	}
	defer rows.Close()

	var states []*DMState
	for rows.Next() {
		st, err := scanDMState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dm state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dm state: %w", err)
	}
	return states, nil
}

func scanDMState(r rowScanner) (*DMState, error) {
	var (
		st        DMState
		lastError sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&st.MessageID, &st.ChannelID, &st.AuthorID, &st.EyeApplied,
		&st.ProcessingDone, &st.CheckApplied, &st.TerminalFailed, &lastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.LastError = lastError.String
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

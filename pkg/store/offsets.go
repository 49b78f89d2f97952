package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ErrOffsetNotFound indicates no offset has been recorded for a scope yet.
var ErrOffsetNotFound = errors.New("offset not found")

// GetOffset returns the last processed message id for a scope, typically
// "dm_user:<userID>".
func (s *Store) GetOffset(ctx context.Context, scope string) (string, error) {
	var messageID string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM dm_offsets WHERE scope = ?`, scope).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOffsetNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading offset for %s: %w", scope, err)
	}
	return messageID, nil
}

// UpdateOffset advances the offset for a scope. The offset only moves
// forward: an id at or below the stored one is ignored, so out-of-order
// recovery replays cannot rewind delivery progress.
func (s *Store) UpdateOffset(ctx context.Context, scope, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting offset transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT message_id FROM dm_offsets WHERE scope = ?`, scope).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first offset for this scope
	case err != nil:
		return fmt.Errorf("loading offset for %s: %w", scope, err)
	default:
		if !snowflakeAfter(messageID, current) {
			return tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dm_offsets (scope, message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			message_id = excluded.message_id,
			updated_at = excluded.updated_at`,
		scope, messageID, toMillis(now()))
	if err != nil {
		return fmt.Errorf("advancing offset for %s: %w", scope, err)
	}
	return tx.Commit()
}

// snowflakeAfter reports whether a sorts strictly after b. Discord ids are
// decimal uint64 snowflakes; when either side does not parse, fall back to
// length-then-lexicographic comparison, which orders decimal strings
// correctly regardless of magnitude.
func snowflakeAfter(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na > nb
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

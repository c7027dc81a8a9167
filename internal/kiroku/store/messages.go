package store

import (
	"context"
	"time"
)

// Message is a single retained chat event. Rows are immutable after insert;
// the cleanup job is the only deleter. CreatedAt is the authoritative
// ordering key for windowing — insertion order across concurrent writers is
// not guaranteed to match temporal order.
type Message struct {
	ID         int64
	RoomID     string
	SenderID   string
	SenderName string
	Body       string
	CreatedAt  time.Time
}

// AppendMessage inserts a message and assigns its ID. A zero CreatedAt is
// filled in with the current time. Timestamps are normalized to UTC before
// they hit the database so window comparisons are location-independent.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, sender_id, sender_name, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.RoomID, m.SenderID, m.SenderName, m.Body, m.CreatedAt)
	if err != nil {
		return wrapErr("append message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return wrapErr("append message id", err)
	}
	m.ID = id
	return nil
}

// PruneMessages deletes every message with created_at strictly before
// cutoff and returns the number of rows removed. The cutoff is fixed by the
// caller before the statement runs, so rows inserted concurrently are never
// deleted unless they were already past the cutoff at call time. Idempotent:
// a second run with no eligible rows deletes zero.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		return 0, wrapErr("prune messages", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("prune messages count", err)
	}
	return count, nil
}

// QueryWindow returns the messages for roomID whose created_at lies in the
// half-open interval [start, end), ordered by (created_at, id) ascending.
//
// When limit > 0 and the interval holds more rows than the limit, the most
// recent messages are kept and older ones are silently dropped — this bounds
// prompt size and is documented lossy behavior, not an error. Each call runs
// a fresh query; no cursor is held open across pipeline stages.
func (s *Store) QueryWindow(ctx context.Context, roomID string, start, end time.Time, limit int) ([]Message, error) {
	query := `
		SELECT id, room_id, sender_id, sender_name, body, created_at
		FROM messages
		WHERE room_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{roomID, start.UTC(), end.UTC()}

	if limit > 0 {
		// Take the newest rows within the interval, then flip back to
		// ascending order below.
		query = `
			SELECT id, room_id, sender_id, sender_name, body, created_at
			FROM messages
			WHERE room_id = ? AND created_at >= ? AND created_at < ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query window", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt); err != nil {
			return nil, wrapErr("scan message", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate messages", err)
	}

	if limit > 0 {
		// Reverse the descending result into (created_at, id) ascending.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// ActiveRooms returns the distinct room IDs that have at least one message
// in [start, end). The report job fans out over this set.
func (s *Store) ActiveRooms(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM messages
		WHERE created_at >= ? AND created_at < ?
		ORDER BY room_id
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, wrapErr("active rooms", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan room id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate rooms", err)
	}
	return ids, nil
}

// MessageCount returns the total number of retained messages across all rooms.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n)
	if err != nil {
		return 0, wrapErr("message count", err)
	}
	return n, nil
}

// RoomMessageCount returns the number of retained messages for a single room.
func (s *Store) RoomMessageCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID,
	).Scan(&n)
	if err != nil {
		return 0, wrapErr("room message count", err)
	}
	return n, nil
}

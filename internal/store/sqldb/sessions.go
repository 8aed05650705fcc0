package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// SessionStore implements model.SessionStore.
type SessionStore struct {
	db *DB
}

const sessionColumns = `session_id, user_id, mesh_id, node_id, mode, status,
	total_input_tokens, total_output_tokens, total_cost_usd, message_count,
	last_activity_at, closed_at, created_at`

func scanSession(scan func(dest ...any) error) (*model.Session, error) {
	s := &model.Session{}
	var closedAt sql.NullTime
	if err := scan(&s.ID, &s.UserID, &s.MeshID, &s.NodeID, &s.Mode, &s.Status,
		&s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalCostUSD, &s.MessageCount,
		&s.LastActivityAt, &closedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	return s, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}
	_, err := s.db.exec(ctx,
		`INSERT INTO sessions (session_id, user_id, mesh_id, node_id, mode, status,
		   total_input_tokens, total_output_tokens, total_cost_usd, message_count,
		   last_activity_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.MeshID, sess.NodeID, sess.Mode, sess.Status,
		sess.TotalInputTokens, sess.TotalOutputTokens, sess.TotalCostUSD, sess.MessageCount,
		sess.LastActivityAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Close(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.exec(ctx,
		`UPDATE sessions SET status = ?, closed_at = ?
		 WHERE session_id = ? AND status = ?`,
		model.SessionClosed, at, id, model.SessionActive)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Already closed is a no-op; a missing row is an error.
	var exists int
	if err := s.db.queryRow(ctx,
		`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.exec(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`,
		model.SessionArchived, id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return requireAffected(res)
}

func (s *SessionStore) Unarchive(ctx context.Context, id string) error {
	// Archived sessions return to closed, never active: their runtime
	// linkage is gone.
	res, err := s.db.exec(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ? AND status = ?`,
		model.SessionClosed, id, model.SessionArchived)
	if err != nil {
		return fmt.Errorf("unarchive session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.queryRow(ctx,
		`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SessionStore) AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error {
	res, err := s.db.exec(ctx,
		`UPDATE sessions SET
		   total_input_tokens = total_input_tokens + ?,
		   total_output_tokens = total_output_tokens + ?,
		   total_cost_usd = total_cost_usd + ?,
		   last_activity_at = ?
		 WHERE session_id = ?`,
		inputTokens, outputTokens, costUSD, time.Now(), id)
	if err != nil {
		return fmt.Errorf("accumulate usage: %w", err)
	}
	return requireAffected(res)
}

// MessageStore implements model.MessageStore. Append assigns the sequence
// inside the insert transaction, which keeps the counter contiguous even
// under concurrent writers.
type MessageStore struct {
	db *DB
}

func (s *MessageStore) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	out := *m
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var seq int
		err := s.db.txQueryRow(tx, ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`,
			out.SessionID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		out.Sequence = seq
		if _, err := s.db.txExec(tx, ctx,
			`INSERT INTO messages (message_id, session_id, role, type, content, sequence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.SessionID, out.Role, out.Type, out.Content, out.Sequence, out.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		res, err := s.db.txExec(tx, ctx,
			`UPDATE sessions SET message_count = message_count + 1, last_activity_at = ?
			 WHERE session_id = ?`,
			out.CreatedAt, out.SessionID)
		if err != nil {
			return fmt.Errorf("bump session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	rows, err := s.db.query(ctx,
		`SELECT message_id, session_id, role, type, content, sequence, created_at
		 FROM messages WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Type, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

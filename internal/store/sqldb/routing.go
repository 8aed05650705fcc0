package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// RoutingStore implements model.RoutingStore. Pairs are inserted in both
// directions within one transaction; a crash can never leave a half-pair.
type RoutingStore struct {
	db *DB
}

func (s *RoutingStore) Lookup(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64) (*model.SessionRouting, error) {
	row := s.db.queryRow(ctx,
		`SELECT id, mesh_id, local_node_id, local_session_id, remote_node_id, remote_session_id, created_at
		 FROM session_routings
		 WHERE mesh_id = ? AND local_node_id = ? AND local_session_id = ? AND remote_node_id = ?
		   AND deleted_at IS NULL`,
		meshID, localNodeID, localSessionID, remoteNodeID)
	r := &model.SessionRouting{}
	if err := row.Scan(&r.ID, &r.MeshID, &r.LocalNodeID, &r.LocalSessionID,
		&r.RemoteNodeID, &r.RemoteSessionID, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("lookup routing: %w", err)
	}
	return r, nil
}

func (s *RoutingStore) CreatePair(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64, remoteSessionID string) error {
	now := time.Now()
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		forwardID, err := s.db.nextID(tx, ctx, "session_routings")
		if err != nil {
			return err
		}
		if _, err := s.db.txExec(tx, ctx,
			`INSERT INTO session_routings
			   (id, mesh_id, local_node_id, local_session_id, remote_node_id, remote_session_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			forwardID, meshID, localNodeID, localSessionID, remoteNodeID, remoteSessionID, now); err != nil {
			return fmt.Errorf("insert forward routing: %w", err)
		}
		if _, err := s.db.txExec(tx, ctx,
			`INSERT INTO session_routings
			   (id, mesh_id, local_node_id, local_session_id, remote_node_id, remote_session_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			forwardID+1, meshID, remoteNodeID, remoteSessionID, localNodeID, localSessionID, now); err != nil {
			return fmt.Errorf("insert backward routing: %w", err)
		}
		return nil
	})
}

// EventLogStore implements model.EventLogStore: the append-only write-behind
// record of distributed envelopes.
type EventLogStore struct {
	db *DB
}

func (s *EventLogStore) Append(ctx context.Context, e *model.EventLogEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.exec(ctx,
		`INSERT INTO event_log
		   (id, user_id, event_id, source_node_id, target_node_id, event_type,
		    upstream_session_id, downstream_session_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.EventID, e.SourceNodeID, e.TargetNodeID, e.EventType,
		e.UpstreamSessionID, e.DownstreamSessionID, e.Payload, createdAt)
	if err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

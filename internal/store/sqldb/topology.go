package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// MeshStore implements model.MeshStore.
type MeshStore struct {
	db *DB
}

func (s *MeshStore) Get(ctx context.Context, id int64) (*model.Mesh, error) {
	row := s.db.queryRow(ctx,
		`SELECT id, user_id, name, created_at FROM meshes
		 WHERE id = ? AND deleted_at IS NULL`, id)
	m := &model.Mesh{}
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get mesh: %w", err)
	}
	return m, nil
}

func (s *MeshStore) List(ctx context.Context, userID int64) ([]*model.Mesh, error) {
	rows, err := s.db.query(ctx,
		`SELECT id, user_id, name, created_at FROM meshes
		 WHERE user_id = ? AND deleted_at IS NULL ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list meshes: %w", err)
	}
	defer rows.Close()
	var out []*model.Mesh
	for rows.Next() {
		m := &model.Mesh{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MeshStore) Create(ctx context.Context, m *model.Mesh) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if m.ID == 0 {
			id, err := s.db.nextID(tx, ctx, "meshes")
			if err != nil {
				return err
			}
			m.ID = id
		}
		_, err := s.db.txExec(tx, ctx,
			`INSERT INTO meshes (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
			m.ID, m.UserID, m.Name, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert mesh: %w", err)
		}
		return nil
	})
}

func (s *MeshStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.exec(ctx,
		`UPDATE meshes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete mesh: %w", err)
	}
	return requireAffected(res)
}

// NodeStore implements model.NodeStore. Node config is stored as a JSON text
// column.
type NodeStore struct {
	db *DB
}

const nodeColumns = `id, mesh_id, user_id, node_type, config, workspace, auto_start, created_at`

func scanNode(scan func(dest ...any) error) (*model.Node, error) {
	n := &model.Node{}
	var cfg sql.NullString
	if err := scan(&n.ID, &n.MeshID, &n.UserID, &n.Type, &cfg, &n.Workspace, &n.AutoStart, &n.CreatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &n.Config); err != nil {
			return nil, fmt.Errorf("decode node config: %w", err)
		}
	}
	return n, nil
}

func (s *NodeStore) Get(ctx context.Context, id int64) (*model.Node, error) {
	row := s.db.queryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ? AND deleted_at IS NULL`, id)
	n, err := scanNode(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (s *NodeStore) ListByMesh(ctx context.Context, meshID int64) ([]*model.Node, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE mesh_id = ? AND deleted_at IS NULL ORDER BY id`, meshID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NodeStore) Create(ctx context.Context, n *model.Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	var cfg any
	if n.Config != nil {
		data, err := json.Marshal(n.Config)
		if err != nil {
			return fmt.Errorf("encode node config: %w", err)
		}
		cfg = string(data)
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if n.ID == 0 {
			id, err := s.db.nextID(tx, ctx, "nodes")
			if err != nil {
				return err
			}
			n.ID = id
		}
		_, err := s.db.txExec(tx, ctx,
			`INSERT INTO nodes (id, mesh_id, user_id, node_type, config, workspace, auto_start, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.MeshID, n.UserID, n.Type, cfg, n.Workspace, n.AutoStart, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		return nil
	})
}

func (s *NodeStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.exec(ctx,
		`UPDATE nodes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return requireAffected(res)
}

// ConnectionStore implements model.ConnectionStore.
type ConnectionStore struct {
	db *DB
}

const connColumns = `id, mesh_id, source_node_id, target_node_id, session_alignment, created_at`

func scanConnection(scan func(dest ...any) error) (*model.Connection, error) {
	c := &model.Connection{}
	if err := scan(&c.ID, &c.MeshID, &c.SourceNodeID, &c.TargetNodeID, &c.Alignment, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConnectionStore) Get(ctx context.Context, meshID, sourceNodeID, targetNodeID int64) (*model.Connection, error) {
	row := s.db.queryRow(ctx,
		`SELECT `+connColumns+` FROM connections
		 WHERE mesh_id = ? AND source_node_id = ? AND target_node_id = ? AND deleted_at IS NULL`,
		meshID, sourceNodeID, targetNodeID)
	c, err := scanConnection(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (s *ConnectionStore) ListBySource(ctx context.Context, meshID, sourceNodeID int64) ([]*model.Connection, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+connColumns+` FROM connections
		 WHERE mesh_id = ? AND source_node_id = ? AND deleted_at IS NULL ORDER BY id`,
		meshID, sourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	var out []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConnectionStore) Create(ctx context.Context, c *model.Connection) error {
	if c.Alignment == "" {
		c.Alignment = model.AlignmentMirroring
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := s.db.txQueryRow(tx, ctx,
			`SELECT COUNT(1) FROM connections
			 WHERE mesh_id = ? AND source_node_id = ? AND target_node_id = ? AND deleted_at IS NULL`,
			c.MeshID, c.SourceNodeID, c.TargetNodeID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return model.ErrAlreadyExists
		}
		if c.ID == 0 {
			id, err := s.db.nextID(tx, ctx, "connections")
			if err != nil {
				return err
			}
			c.ID = id
		}
		_, err = s.db.txExec(tx, ctx,
			`INSERT INTO connections (id, mesh_id, source_node_id, target_node_id, session_alignment, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.MeshID, c.SourceNodeID, c.TargetNodeID, c.Alignment, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
		return nil
	})
}

func (s *ConnectionStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.exec(ctx,
		`UPDATE connections SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return requireAffected(res)
}

// SubscriptionStore implements model.SubscriptionStore.
type SubscriptionStore struct {
	db *DB
}

const subColumns = `id, mesh_id, source_node_id, target_node_id, event_type, created_at`

func scanSubscription(scan func(dest ...any) error) (*model.Subscription, error) {
	sub := &model.Subscription{}
	if err := scan(&sub.ID, &sub.MeshID, &sub.SourceNodeID, &sub.TargetNodeID, &sub.EventType, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubscriptionStore) ListBySourceEvent(ctx context.Context, meshID, sourceNodeID int64, eventType string) ([]*model.Subscription, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE mesh_id = ? AND source_node_id = ? AND event_type = ? AND deleted_at IS NULL ORDER BY id`,
		meshID, sourceNodeID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) ListByMesh(ctx context.Context, meshID int64) ([]*model.Subscription, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE mesh_id = ? AND deleted_at IS NULL ORDER BY id`, meshID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := s.db.txQueryRow(tx, ctx,
			`SELECT COUNT(1) FROM subscriptions
			 WHERE mesh_id = ? AND source_node_id = ? AND target_node_id = ? AND event_type = ? AND deleted_at IS NULL`,
			sub.MeshID, sub.SourceNodeID, sub.TargetNodeID, sub.EventType).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return model.ErrAlreadyExists
		}
		if sub.ID == 0 {
			id, err := s.db.nextID(tx, ctx, "subscriptions")
			if err != nil {
				return err
			}
			sub.ID = id
		}
		_, err = s.db.txExec(tx, ctx,
			`INSERT INTO subscriptions (id, mesh_id, source_node_id, target_node_id, event_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.MeshID, sub.SourceNodeID, sub.TargetNodeID, sub.EventType, sub.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
}

func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.exec(ctx,
		`UPDATE subscriptions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

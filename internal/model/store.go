package model

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations and the runtime core.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrSessionClosed = errors.New("session is closed")
)

// MeshStore provides CRUD on meshes.
type MeshStore interface {
	Get(ctx context.Context, id int64) (*Mesh, error)
	List(ctx context.Context, userID int64) ([]*Mesh, error)
	Create(ctx context.Context, m *Mesh) error
	Delete(ctx context.Context, id int64) error
}

// NodeStore provides CRUD on nodes.
type NodeStore interface {
	Get(ctx context.Context, id int64) (*Node, error)
	ListByMesh(ctx context.Context, meshID int64) ([]*Node, error)
	Create(ctx context.Context, n *Node) error
	Delete(ctx context.Context, id int64) error
}

// ConnectionStore provides lookup of declarative edges.
type ConnectionStore interface {
	// Get returns the non-deleted connection for (mesh, source, target),
	// or ErrNotFound.
	Get(ctx context.Context, meshID, sourceNodeID, targetNodeID int64) (*Connection, error)
	ListBySource(ctx context.Context, meshID, sourceNodeID int64) ([]*Connection, error)
	Create(ctx context.Context, c *Connection) error
	Delete(ctx context.Context, id int64) error
}

// SubscriptionStore provides lookup of event-type filters on connections.
type SubscriptionStore interface {
	// ListBySourceEvent returns all non-deleted subscriptions whose source
	// node and event type match.
	ListBySourceEvent(ctx context.Context, meshID, sourceNodeID int64, eventType string) ([]*Subscription, error)
	ListByMesh(ctx context.Context, meshID int64) ([]*Subscription, error)
	Create(ctx context.Context, s *Subscription) error
	Delete(ctx context.Context, id int64) error
}

// SessionStore provides session lifecycle persistence.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	// Close transitions a session to closed and stamps closed_at. Closing an
	// already-closed session is a no-op.
	Close(ctx context.Context, id string, at time.Time) error
	// Archive moves an active or closed session to archived.
	Archive(ctx context.Context, id string) error
	// Unarchive moves an archived session to closed; the runtime linkage is
	// lost by design, so it never returns to active.
	Unarchive(ctx context.Context, id string) error
	// AccumulateUsage adds token counts and cost from a completed turn.
	AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error
}

// MessageStore appends to the per-session transcript.
type MessageStore interface {
	// Append assigns the next sequence number for the session, persists the
	// message, bumps the session's message_count and last_activity_at, and
	// returns the stored row.
	Append(ctx context.Context, m *Message) (*Message, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
}

// RoutingStore persists paired session ids across connections.
type RoutingStore interface {
	// Lookup returns the non-deleted routing row for
	// (mesh, localNode, localSession, remoteNode), or ErrNotFound.
	Lookup(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64) (*SessionRouting, error)
	// CreatePair inserts the forward and backward rows atomically.
	CreatePair(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64, remoteSessionID string) error
}

// EventLogStore is the write-behind sink for distributed envelopes.
// Failures never affect delivery.
type EventLogStore interface {
	Append(ctx context.Context, e *EventLogEntry) error
}

// Stores is the top-level container for all storage backends, injected into
// the runtime at startup.
type Stores struct {
	Meshes        MeshStore
	Nodes         NodeStore
	Connections   ConnectionStore
	Subscriptions SubscriptionStore
	Sessions      SessionStore
	Messages      MessageStore
	Routings      RoutingStore
	EventLog      EventLogStore
}

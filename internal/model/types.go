// Package model holds the persistent entities of the mesh model and the
// store interfaces the runtime core consumes. The core never issues schema
// migrations; it only reads and writes through these interfaces.
package model

import "time"

// Alignment is the session-pairing policy carried by a Connection.
type Alignment string

const (
	// AlignmentMirroring reuses the paired downstream session id so mirrored
	// conversations stay linked across the connection.
	AlignmentMirroring Alignment = "mirroring"
	// AlignmentTasking mints a fresh downstream session id per emission.
	AlignmentTasking Alignment = "tasking"
)

// SessionMode selects how a session interacts with the event mesh.
type SessionMode string

const (
	ModeChat       SessionMode = "chat"
	ModeBackground SessionMode = "background"
	ModeProgram    SessionMode = "program"
)

// SessionStatus is the persisted lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

// Mesh is a named collection of nodes, connections, and subscriptions owned
// by one user. Runtime status (running/stopped) is not persisted.
type Mesh struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Node is an addressable endpoint within a mesh. Workspace is the node's
// exclusively-owned filesystem directory. Runtime status is not persisted.
type Node struct {
	ID        int64          `json:"id"`
	MeshID    int64          `json:"mesh_id"`
	UserID    int64          `json:"user_id"`
	Type      string         `json:"node_type"`
	Config    map[string]any `json:"config,omitempty"`
	Workspace string         `json:"workspace"`
	AutoStart bool           `json:"auto_start"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

// Connection is a declarative directed edge between two nodes in a mesh.
// Unique per (mesh, source, target) among non-deleted rows.
type Connection struct {
	ID           int64      `json:"id"`
	MeshID       int64      `json:"mesh_id"`
	SourceNodeID int64      `json:"source_node_id"`
	TargetNodeID int64      `json:"target_node_id"`
	Alignment    Alignment  `json:"session_alignment"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Subscription selects which event types traverse a Connection.
// Unique per (mesh, source, target, event_type) among non-deleted rows.
type Subscription struct {
	ID           int64      `json:"id"`
	MeshID       int64      `json:"mesh_id"`
	SourceNodeID int64      `json:"source_node_id"`
	TargetNodeID int64      `json:"target_node_id"`
	EventType    string     `json:"event_type"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Session is the persistent surface of a runtime session.
type Session struct {
	ID                string        `json:"session_id"`
	UserID            int64         `json:"user_id"`
	MeshID            int64         `json:"mesh_id"`
	NodeID            int64         `json:"node_id"`
	Mode              SessionMode   `json:"mode"`
	Status            SessionStatus `json:"status"`
	TotalInputTokens  int64         `json:"total_input_tokens"`
	TotalOutputTokens int64         `json:"total_output_tokens"`
	TotalCostUSD      float64       `json:"total_cost_usd"`
	MessageCount      int           `json:"message_count"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Message is one append-only row of a session's transcript. Sequence is
// strictly monotonic and contiguous per session, starting at 1; it is
// assigned by the store at append time.
type Message struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRouting pairs session ids across a connection. Rows are stored
// bidirectionally: creating A<->B inserts both directions in one unit of work.
type SessionRouting struct {
	ID              int64      `json:"id"`
	MeshID          int64      `json:"mesh_id"`
	LocalNodeID     int64      `json:"local_node_id"`
	LocalSessionID  string     `json:"local_session_id"`
	RemoteNodeID    int64      `json:"remote_node_id"`
	RemoteSessionID string     `json:"remote_session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// EventLogEntry is the optional write-behind record of a distributed envelope.
type EventLogEntry struct {
	ID                  string    `json:"id"`
	UserID              int64     `json:"user_id"`
	EventID             string    `json:"event_id"`
	SourceNodeID        int64     `json:"source_node_id"`
	TargetNodeID        int64     `json:"target_node_id"`
	EventType           string    `json:"event_type"`
	UpstreamSessionID   string    `json:"upstream_session_id"`
	DownstreamSessionID string    `json:"downstream_session_id"`
	Payload             string    `json:"payload"`
	CreatedAt           time.Time `json:"created_at"`
}

// Package memory provides an in-memory implementation of the model store
// interfaces. It backs tests and the zero-setup development mode; semantics
// mirror the SQL stores, including soft deletion and sequence assignment.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// Store holds every entity map behind one mutex. Fine-grained locking is not
// worth it at in-memory scale.
type Store struct {
	mu sync.RWMutex

	meshes        map[int64]*model.Mesh
	nodes         map[int64]*model.Node
	connections   map[int64]*model.Connection
	subscriptions map[int64]*model.Subscription
	sessions      map[string]*model.Session
	messages      map[string][]*model.Message
	routings      []*model.SessionRouting
	eventLog      []*model.EventLogEntry

	nextID int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		meshes:        make(map[int64]*model.Mesh),
		nodes:         make(map[int64]*model.Node),
		connections:   make(map[int64]*model.Connection),
		subscriptions: make(map[int64]*model.Subscription),
		sessions:      make(map[string]*model.Session),
		messages:      make(map[string][]*model.Message),
	}
}

// Stores bundles the store behind every model interface.
func (s *Store) Stores() *model.Stores {
	return &model.Stores{
		Meshes:        (*meshStore)(s),
		Nodes:         (*nodeStore)(s),
		Connections:   (*connectionStore)(s),
		Subscriptions: (*subscriptionStore)(s),
		Sessions:      (*sessionStore)(s),
		Messages:      (*messageStore)(s),
		Routings:      (*routingStore)(s),
		EventLog:      (*eventLogStore)(s),
	}
}

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

type meshStore Store

func (s *meshStore) Get(ctx context.Context, id int64) (*model.Mesh, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meshes[id]
	if !ok || m.DeletedAt != nil {
		return nil, model.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *meshStore) List(ctx context.Context, userID int64) ([]*model.Mesh, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Mesh
	for _, m := range s.meshes {
		if m.UserID == userID && m.DeletedAt == nil {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *meshStore) Create(ctx context.Context, m *model.Mesh) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = (*Store)(s).allocID()
	} else if _, exists := s.meshes[m.ID]; exists {
		return model.ErrAlreadyExists
	} else if m.ID > s.nextID {
		s.nextID = m.ID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.meshes[m.ID] = &cp
	return nil
}

func (s *meshStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meshes[id]
	if !ok || m.DeletedAt != nil {
		return model.ErrNotFound
	}
	now := time.Now()
	m.DeletedAt = &now
	return nil
}

type nodeStore Store

func (s *nodeStore) Get(ctx context.Context, id int64) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || n.DeletedAt != nil {
		return nil, model.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *nodeStore) ListByMesh(ctx context.Context, meshID int64) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Node
	for _, n := range s.nodes {
		if n.MeshID == meshID && n.DeletedAt == nil {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *nodeStore) Create(ctx context.Context, n *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == 0 {
		n.ID = (*Store)(s).allocID()
	} else if _, exists := s.nodes[n.ID]; exists {
		return model.ErrAlreadyExists
	} else if n.ID > s.nextID {
		s.nextID = n.ID
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *nodeStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.DeletedAt != nil {
		return model.ErrNotFound
	}
	now := time.Now()
	n.DeletedAt = &now
	return nil
}

type connectionStore Store

func (s *connectionStore) Get(ctx context.Context, meshID, sourceNodeID, targetNodeID int64) (*model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		if c.MeshID == meshID && c.SourceNodeID == sourceNodeID && c.TargetNodeID == targetNodeID && c.DeletedAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *connectionStore) ListBySource(ctx context.Context, meshID, sourceNodeID int64) ([]*model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Connection
	for _, c := range s.connections {
		if c.MeshID == meshID && c.SourceNodeID == sourceNodeID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *connectionStore) Create(ctx context.Context, c *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.connections {
		if existing.MeshID == c.MeshID && existing.SourceNodeID == c.SourceNodeID &&
			existing.TargetNodeID == c.TargetNodeID && existing.DeletedAt == nil {
			return model.ErrAlreadyExists
		}
	}
	if c.ID == 0 {
		c.ID = (*Store)(s).allocID()
	}
	if c.Alignment == "" {
		c.Alignment = model.AlignmentMirroring
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.connections[c.ID] = &cp
	return nil
}

func (s *connectionStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok || c.DeletedAt != nil {
		return model.ErrNotFound
	}
	now := time.Now()
	c.DeletedAt = &now
	return nil
}

type subscriptionStore Store

func (s *subscriptionStore) ListBySourceEvent(ctx context.Context, meshID, sourceNodeID int64, eventType string) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Subscription
	for _, sub := range s.subscriptions {
		if sub.MeshID == meshID && sub.SourceNodeID == sourceNodeID &&
			sub.EventType == eventType && sub.DeletedAt == nil {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *subscriptionStore) ListByMesh(ctx context.Context, meshID int64) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Subscription
	for _, sub := range s.subscriptions {
		if sub.MeshID == meshID && sub.DeletedAt == nil {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *subscriptionStore) Create(ctx context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subscriptions {
		if existing.MeshID == sub.MeshID && existing.SourceNodeID == sub.SourceNodeID &&
			existing.TargetNodeID == sub.TargetNodeID && existing.EventType == sub.EventType &&
			existing.DeletedAt == nil {
			return model.ErrAlreadyExists
		}
	}
	if sub.ID == 0 {
		sub.ID = (*Store)(s).allocID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *subscriptionStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.DeletedAt != nil {
		return model.ErrNotFound
	}
	now := time.Now()
	sub.DeletedAt = &now
	return nil
}

type sessionStore Store

func (s *sessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return model.ErrAlreadyExists
	}
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
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *sessionStore) Close(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	if sess.Status == model.SessionClosed {
		return nil
	}
	sess.Status = model.SessionClosed
	sess.ClosedAt = &at
	return nil
}

func (s *sessionStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	sess.Status = model.SessionArchived
	return nil
}

func (s *sessionStore) Unarchive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	if sess.Status != model.SessionArchived {
		return nil
	}
	// Runtime linkage is gone, so an unarchived session lands in closed.
	sess.Status = model.SessionClosed
	return nil
}

func (s *sessionStore) AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	sess.TotalInputTokens += inputTokens
	sess.TotalOutputTokens += outputTokens
	sess.TotalCostUSD += costUSD
	sess.LastActivityAt = time.Now()
	return nil
}

type messageStore Store

func (s *messageStore) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	cp.Sequence = len(s.messages[m.SessionID]) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	sess.MessageCount++
	sess.LastActivityAt = cp.CreatedAt
	out := cp
	return &out, nil
}

func (s *messageStore) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.messages[sessionID]
	out := make([]*model.Message, 0, len(rows))
	for _, m := range rows {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

type routingStore Store

func (s *routingStore) Lookup(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64) (*model.SessionRouting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.routings {
		if r.MeshID == meshID && r.LocalNodeID == localNodeID &&
			r.LocalSessionID == localSessionID && r.RemoteNodeID == remoteNodeID &&
			r.DeletedAt == nil {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *routingStore) CreatePair(ctx context.Context, meshID, localNodeID int64, localSessionID string, remoteNodeID int64, remoteSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	forward := &model.SessionRouting{
		ID:              (*Store)(s).allocID(),
		MeshID:          meshID,
		LocalNodeID:     localNodeID,
		LocalSessionID:  localSessionID,
		RemoteNodeID:    remoteNodeID,
		RemoteSessionID: remoteSessionID,
		CreatedAt:       now,
	}
	backward := &model.SessionRouting{
		ID:              (*Store)(s).allocID(),
		MeshID:          meshID,
		LocalNodeID:     remoteNodeID,
		LocalSessionID:  remoteSessionID,
		RemoteNodeID:    localNodeID,
		RemoteSessionID: localSessionID,
		CreatedAt:       now,
	}
	s.routings = append(s.routings, forward, backward)
	return nil
}

type eventLogStore Store

func (s *eventLogStore) Append(ctx context.Context, e *model.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.eventLog = append(s.eventLog, &cp)
	return nil
}

// SessionsByNode returns copies of all sessions hosted on a node. Test helper.
func (s *Store) SessionsByNode(nodeID int64) []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.NodeID == nodeID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out
}

// EventLogLen reports the number of logged envelopes. Test helper.
func (s *Store) EventLogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.eventLog)
}

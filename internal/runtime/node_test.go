package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/broker"
	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/store/memory"
)

// fakeRegistry implements SessionRegistry with the at-most-one rule.
type fakeRegistry struct {
	mu   sync.Mutex
	live map[string]int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{live: make(map[string]int64)}
}

func (r *fakeRegistry) RegisterSession(sessionID string, meshID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[sessionID]; ok {
		return fmt.Errorf("session %s already live", sessionID)
	}
	r.live[sessionID] = meshID
	return nil
}

func (r *fakeRegistry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

type nodeFixture struct {
	stores *model.Stores
	b      *broker.Broker
	w      *Worker
	reg    *fakeRegistry
	router *SessionRouter
	mesh   *model.Mesh
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	stores := memory.New().Stores()
	mesh := &model.Mesh{UserID: 1, Name: "test-mesh"}
	if err := stores.Meshes.Create(context.Background(), mesh); err != nil {
		t.Fatal(err)
	}
	b := broker.New(nil)
	b.Start()
	w := NewWorker(0)
	w.Start()
	t.Cleanup(func() {
		w.Stop()
		b.Stop()
	})
	return &nodeFixture{
		stores: stores,
		b:      b,
		w:      w,
		reg:    newFakeRegistry(),
		router: NewSessionRouter(stores.Routings),
		mesh:   mesh,
	}
}

// addNode persists a node row, builds its runtime node over scripted drivers,
// and starts it on the worker.
func (f *nodeFixture) addNode(t *testing.T, nodeType string, config map[string]any) *Node {
	t.Helper()
	row := &model.Node{
		MeshID: f.mesh.ID,
		UserID: f.mesh.UserID,
		Type:   nodeType,
		Config: config,
	}
	if err := f.stores.Nodes.Create(context.Background(), row); err != nil {
		t.Fatal(err)
	}
	drivers := func(*model.Node, string) (driver.Driver, error) {
		return driver.NewScripted(driver.TextTurn(nil, driver.Result{Text: "ack"})), nil
	}
	newEmit := func(sessionID string) *emitter {
		return &emitter{stores: f.stores, userID: f.mesh.UserID, sessionID: sessionID}
	}
	n := NewNode(row, f.mesh, f.stores, f.b, f.router, drivers, f.w, f.reg, newEmit)
	var startErr error
	if err := f.w.Call(func() { startErr = n.Start(context.Background()) }); err != nil {
		t.Fatal(err)
	}
	if startErr != nil {
		t.Fatal(startErr)
	}
	return n
}

func (f *nodeFixture) connect(t *testing.T, source, target int64, align model.Alignment) {
	t.Helper()
	err := f.stores.Connections.Create(context.Background(), &model.Connection{
		MeshID: f.mesh.ID, SourceNodeID: source, TargetNodeID: target, Alignment: align,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *nodeFixture) subscribe(t *testing.T, source, target int64, eventType event.Type) {
	t.Helper()
	err := f.stores.Subscriptions.Create(context.Background(), &model.Subscription{
		MeshID: f.mesh.ID, SourceNodeID: source, TargetNodeID: target, EventType: string(eventType),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// inject publishes an envelope straight onto a node's topic, bypassing the
// egress path.
func (f *nodeFixture) inject(t *testing.T, env *event.Envelope) {
	t.Helper()
	if err := f.b.Publish(context.Background(), event.Topic(f.mesh.ID, env.TargetID), env); err != nil {
		t.Fatal(err)
	}
}

func (f *nodeFixture) sessionStatus(t *testing.T, id string) (model.SessionStatus, bool) {
	t.Helper()
	s, err := f.stores.Sessions.Get(context.Background(), id)
	if err != nil {
		return "", false
	}
	return s.Status, true
}

func TestNodeDropsInvalidEnvelopes(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)

	// Unknown event type.
	f.inject(t, event.NewEnvelope(event.Type("bogus"), 99, n.ID(), "u", "bad-1", nil))
	// Schema violation: session_response requires a response field.
	f.inject(t, event.NewEnvelope(event.TypeSessionResponse, 99, n.ID(), "u", "bad-2", map[string]any{}))
	// Target mismatch: envelope addressed to another node on this topic.
	wrong := event.NewEnvelope(event.TypeNodeMessage, 99, n.ID()+1, "u", "bad-3", map[string]any{"message": "hi"})
	if err := f.b.Publish(context.Background(), event.Topic(f.mesh.ID, n.ID()), wrong); err != nil {
		t.Fatal(err)
	}
	// A valid envelope behind them, to prove the worker drained the queue.
	f.inject(t, event.NewEnvelope(event.TypeNodeMessage, 99, n.ID(), "u", "good", map[string]any{"message": "hi"}))

	waitFor(t, "valid envelope session", func() bool {
		_, ok := f.sessionStatus(t, "good")
		return ok
	})
	for _, id := range []string{"bad-1", "bad-2", "bad-3"} {
		if _, ok := f.sessionStatus(t, id); ok {
			t.Errorf("dropped envelope %s still created a session", id)
		}
	}
}

func TestNodeAutoCreatesSessionWithDownstreamID(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)
	f.connect(t, 99, n.ID(), model.AlignmentMirroring)

	f.inject(t, event.NewEnvelope(event.TypeNodeMessage, 99, n.ID(), "up-7", "down-7", map[string]any{"message": "hi"}))

	waitFor(t, "downstream session", func() bool {
		_, ok := f.sessionStatus(t, "down-7")
		return ok
	})
	s, err := f.stores.Sessions.Get(context.Background(), "down-7")
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != model.ModeBackground {
		t.Errorf("auto-created mode = %s, want background", s.Mode)
	}
	if s.NodeID != n.ID() || s.MeshID != f.mesh.ID {
		t.Errorf("session bound to node %d mesh %d, want node %d mesh %d",
			s.NodeID, s.MeshID, n.ID(), f.mesh.ID)
	}
}

func TestNodeTaskingClosesSessionAfterProcessing(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)
	f.connect(t, 99, n.ID(), model.AlignmentTasking)

	f.inject(t, event.NewEnvelope(event.TypeNodeMessage, 99, n.ID(), "up", "task-1", map[string]any{"message": "do it"}))

	waitFor(t, "tasking session closed", func() bool {
		status, ok := f.sessionStatus(t, "task-1")
		return ok && status == model.SessionClosed
	})
	waitFor(t, "registry drained", func() bool { return f.reg.count() == 0 })
}

func TestNodeSessionEndClosesDownstream(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)
	f.connect(t, 99, n.ID(), model.AlignmentMirroring)

	// First event opens the session under mirroring.
	f.inject(t, event.NewEnvelope(event.TypeNodeMessage, 99, n.ID(), "up", "m-1", map[string]any{"message": "hi"}))
	waitFor(t, "mirrored session open", func() bool {
		status, ok := f.sessionStatus(t, "m-1")
		return ok && status == model.SessionActive
	})

	f.inject(t, event.NewEnvelope(event.TypeSessionEnd, 99, n.ID(), "up", "m-1", nil))
	waitFor(t, "session_end close", func() bool {
		status, ok := f.sessionStatus(t, "m-1")
		return ok && status == model.SessionClosed
	})
}

func TestNodePublishFansOutPerSubscription(t *testing.T) {
	f := newNodeFixture(t)
	source := f.addNode(t, "agent", nil)
	sub := f.addNode(t, "agent", nil)
	other := f.addNode(t, "agent", nil)

	f.connect(t, source.ID(), sub.ID(), model.AlignmentMirroring)
	f.connect(t, source.ID(), other.ID(), model.AlignmentMirroring)
	// Only sub subscribes to node_message.
	f.subscribe(t, source.ID(), sub.ID(), event.TypeNodeMessage)

	err := source.Publish(context.Background(), "origin", event.TypeNodeMessage,
		map[string]any{"message": "fan out"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "subscriber session", func() bool {
		sessions := f.nodeSessions(t, sub.ID())
		return len(sessions) == 1
	})
	got := f.nodeSessions(t, sub.ID())[0]
	if got.ID == "origin" {
		t.Error("downstream session reused the upstream id under pub/sub")
	}

	time.Sleep(50 * time.Millisecond)
	if sessions := f.nodeSessions(t, other.ID()); len(sessions) != 0 {
		t.Errorf("non-subscriber received %d sessions, want 0", len(sessions))
	}
}

func TestNodePublishDirect(t *testing.T) {
	f := newNodeFixture(t)
	source := f.addNode(t, "agent", nil)
	target := f.addNode(t, "agent", nil)

	// No connection yet: the publish is dropped without error.
	id := target.ID()
	err := source.Publish(context.Background(), "up-sess", event.TypeNodeMessage,
		map[string]any{"message": "lost"}, &id)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if sessions := f.nodeSessions(t, target.ID()); len(sessions) != 0 {
		t.Fatalf("unconnected direct publish delivered %d sessions", len(sessions))
	}

	f.connect(t, source.ID(), target.ID(), model.AlignmentMirroring)
	err = source.Publish(context.Background(), "up-sess", event.TypeNodeMessage,
		map[string]any{"message": "found"}, &id)
	if err != nil {
		t.Fatal(err)
	}
	// Direct sends reuse the upstream id as the downstream id.
	waitFor(t, "direct session", func() bool {
		_, ok := f.sessionStatus(t, "up-sess")
		return ok
	})
}

func TestNodePublishRejectsInvalidEvents(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)

	err := n.Publish(context.Background(), "s", event.Type("bogus"), nil, nil)
	if err == nil {
		t.Error("unknown event type should fail")
	}
	err = n.Publish(context.Background(), "s", event.TypeSessionResponse, map[string]any{}, nil)
	if err == nil {
		t.Error("schema-violating payload should fail")
	}
}

func TestNodeStopForceClosesSessions(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)
	f.connect(t, 99, n.ID(), model.AlignmentMirroring)

	f.inject(t, event.NewEnvelope(event.TypeNodeMessage, 99, n.ID(), "up", "s-stop", map[string]any{"message": "hi"}))
	waitFor(t, "session open", func() bool {
		status, ok := f.sessionStatus(t, "s-stop")
		return ok && status == model.SessionActive
	})

	var stopErr error
	if err := f.w.Call(func() { stopErr = n.Stop(context.Background()) }); err != nil {
		t.Fatal(err)
	}
	if stopErr != nil {
		t.Fatal(stopErr)
	}
	status, _ := f.sessionStatus(t, "s-stop")
	if status != model.SessionClosed {
		t.Errorf("status after node stop = %s, want closed", status)
	}
	if f.reg.count() != 0 {
		t.Errorf("registry holds %d sessions after stop, want 0", f.reg.count())
	}
}

// stopOrderSession records whether the node still held its broker
// subscription when Close ran.
type stopOrderSession struct {
	id               string
	node             *Node
	closed           bool
	connectedAtClose bool
}

func (s *stopOrderSession) ID() string              { return s.id }
func (s *stopOrderSession) Mode() model.SessionMode { return model.ModeBackground }

func (s *stopOrderSession) Start(ctx context.Context) error { return nil }

func (s *stopOrderSession) Close(ctx context.Context, force bool) error {
	s.connectedAtClose = s.node.client.Connected()
	s.closed = true
	return nil
}

func (s *stopOrderSession) ProcessEvent(env *event.Envelope) (<-chan struct{}, error) {
	return nil, nil
}

func (s *stopOrderSession) SendUserMessage(ctx context.Context, text string) error { return nil }

func (s *stopOrderSession) Interrupt() {}

// Sessions must close while the node can still emit, so the broker
// subscription is released only after the last close returns.
func TestNodeStopClosesSessionsBeforeLeavingBroker(t *testing.T) {
	f := newNodeFixture(t)
	n := f.addNode(t, "agent", nil)

	sess := &stopOrderSession{id: "order-1", node: n}
	if err := f.w.Call(func() { n.sessions[sess.id] = sess }); err != nil {
		t.Fatal(err)
	}

	var stopErr error
	if err := f.w.Call(func() { stopErr = n.Stop(context.Background()) }); err != nil {
		t.Fatal(err)
	}
	if stopErr != nil {
		t.Fatal(stopErr)
	}
	if !sess.closed {
		t.Fatal("node stop did not close the hosted session")
	}
	if !sess.connectedAtClose {
		t.Error("node left the broker before closing its sessions")
	}
}

func (f *nodeFixture) nodeSessions(t *testing.T, nodeID int64) []*model.Session {
	t.Helper()
	// The memory store has no per-node listing; walk known ids via messages is
	// worse, so track through the registry and store instead.
	var out []*model.Session
	f.reg.mu.Lock()
	ids := make([]string, 0, len(f.reg.live))
	for id := range f.reg.live {
		ids = append(ids, id)
	}
	f.reg.mu.Unlock()
	for _, id := range ids {
		s, err := f.stores.Sessions.Get(context.Background(), id)
		if err != nil {
			continue
		}
		if s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

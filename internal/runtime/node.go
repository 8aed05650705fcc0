package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/renjiyun06/mosaic-sub001/internal/broker"
	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// NodeTypeAggregator hosts buffering sessions instead of driver-backed ones.
// Every other node type gets agent sessions from the driver factory.
const NodeTypeAggregator = "aggregator"

// SessionRegistry enforces the process-wide at-most-one-live-session rule and
// lets submission APIs find the mesh hosting a session.
type SessionRegistry interface {
	RegisterSession(sessionID string, meshID int64) error
	UnregisterSession(sessionID string)
}

// Node is the runtime half of a model.Node: a broker endpoint hosting
// sessions. All mutable node state (the session map, status) is touched only
// from the mesh's worker; the broker handler hops onto the worker before
// dispatching.
type Node struct {
	row  *model.Node
	mesh *model.Mesh

	stores   *model.Stores
	router   *SessionRouter
	drivers  driver.Factory
	worker   *Worker
	registry SessionRegistry
	newEmit  func(sessionID string) *emitter

	client    *broker.Client
	sysPrompt string

	// Maintained by the mesh instance to map sessions back to nodes.
	onSessionOpened func(sessionID string)
	onSessionClosed func(sessionID string)

	// worker-owned
	sessions map[string]Session
	running  bool
}

// NewNode builds a stopped runtime node over its persisted row.
func NewNode(row *model.Node, mesh *model.Mesh, stores *model.Stores, b *broker.Broker, router *SessionRouter, drivers driver.Factory, worker *Worker, registry SessionRegistry, newEmit func(sessionID string) *emitter) *Node {
	return &Node{
		row:      row,
		mesh:     mesh,
		stores:   stores,
		router:   router,
		drivers:  drivers,
		worker:   worker,
		registry: registry,
		newEmit:  newEmit,
		client:   broker.NewClient(b, mesh.ID, row.ID),
		sessions: make(map[string]Session),
	}
}

// ID returns the node's persistent id.
func (n *Node) ID() int64 { return n.row.ID }

// Start builds the topology prompt and subscribes the node on its topic.
// Runs on the worker.
func (n *Node) Start(ctx context.Context) error {
	if n.running {
		return fmt.Errorf("node %d: %w", n.row.ID, ErrAlreadyStarted)
	}
	prompt, err := BuildSystemPrompt(ctx, n.stores, n.mesh, n.row)
	if err != nil {
		return fmt.Errorf("build system prompt: %w", err)
	}
	n.sysPrompt = prompt
	if err := n.client.Connect(func(env *event.Envelope) {
		if err := n.worker.Submit(func() { n.onEnvelope(env) }); err != nil {
			slog.Warn("envelope dropped, worker unavailable",
				"node_id", n.row.ID, "event_id", env.EventID)
		}
	}); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	n.running = true
	slog.Info("node started", "node_id", n.row.ID, "mesh_id", n.mesh.ID, "type", n.row.Type)
	return nil
}

// Stop force-closes every hosted session and leaves the broker. Runs on the
// worker.
func (n *Node) Stop(ctx context.Context) error {
	if !n.running {
		return nil
	}
	for id, sess := range n.sessions {
		if err := sess.Close(ctx, true); err != nil {
			slog.Warn("session close failed on node stop", "session_id", id, "error", err)
		}
		n.dropSession(id)
	}
	n.client.Disconnect()
	n.running = false
	slog.Info("node stopped", "node_id", n.row.ID, "mesh_id", n.mesh.ID)
	return nil
}

// onEnvelope is the node's ingress path. Runs on the worker.
func (n *Node) onEnvelope(env *event.Envelope) {
	ctx := context.Background()

	if !env.Type.Valid() {
		slog.Warn("envelope dropped, unknown event type",
			"node_id", n.row.ID, "event_type", env.Type, "event_id", env.EventID)
		return
	}
	if err := event.ValidatePayload(env.Type, env.Payload); err != nil {
		slog.Warn("envelope dropped, payload schema violation",
			"node_id", n.row.ID, "event_type", env.Type, "event_id", env.EventID, "error", err)
		return
	}
	if env.TargetID != n.row.ID {
		slog.Warn("envelope dropped, target mismatch",
			"node_id", n.row.ID, "target_id", env.TargetID, "event_id", env.EventID)
		return
	}

	sess, err := n.getOrCreateSession(ctx, env.DownstreamSessionID, model.ModeBackground)
	if err != nil {
		slog.Error("envelope dropped, session unavailable",
			"node_id", n.row.ID, "session_id", env.DownstreamSessionID, "error", err)
		return
	}

	done, err := sess.ProcessEvent(env)
	if err != nil {
		slog.Warn("envelope not processed",
			"node_id", n.row.ID, "session_id", sess.ID(), "error", err)
		return
	}
	if done == nil {
		n.postDispatch(ctx, env)
		return
	}
	// Async processing: re-enter the worker once the turn resolves so the
	// alignment rule still runs in the serialized domain.
	go func() {
		<-done
		if err := n.worker.Submit(func() { n.postDispatch(context.Background(), env) }); err != nil {
			slog.Warn("post-dispatch skipped, worker unavailable",
				"node_id", n.row.ID, "event_id", env.EventID)
		}
	}()
}

// postDispatch applies the alignment rule after an envelope finishes
// processing: tasking connections tear the downstream session down, and a
// session_end event closes it regardless of alignment. Runs on the worker.
func (n *Node) postDispatch(ctx context.Context, env *event.Envelope) {
	align := model.AlignmentMirroring
	conn, err := n.stores.Connections.Get(ctx, n.mesh.ID, env.SourceID, n.row.ID)
	if err == nil {
		align = conn.Alignment
	}
	if align == model.AlignmentTasking || env.Type == event.TypeSessionEnd {
		n.closeSession(ctx, env.DownstreamSessionID, false)
	}
}

// getOrCreateSession returns the live session or creates one with exactly the
// given id. Runs on the worker.
func (n *Node) getOrCreateSession(ctx context.Context, sessionID string, mode model.SessionMode) (Session, error) {
	if sess, ok := n.sessions[sessionID]; ok {
		return sess, nil
	}
	if !n.running {
		return nil, fmt.Errorf("node %d: %w", n.row.ID, ErrNotRunning)
	}

	if err := n.registry.RegisterSession(sessionID, n.mesh.ID); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	if err := n.ensureSessionRow(ctx, sessionID, mode); err != nil {
		n.registry.UnregisterSession(sessionID)
		return nil, err
	}

	sess, err := n.buildSession(sessionID, mode)
	if err != nil {
		n.registry.UnregisterSession(sessionID)
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		n.registry.UnregisterSession(sessionID)
		return nil, fmt.Errorf("start session: %w", err)
	}
	n.sessions[sessionID] = sess
	if n.onSessionOpened != nil {
		n.onSessionOpened(sessionID)
	}
	slog.Info("session created", "session_id", sessionID, "node_id", n.row.ID, "mode", mode)
	return sess, nil
}

func (n *Node) buildSession(sessionID string, mode model.SessionMode) (Session, error) {
	em := n.newEmit(sessionID)
	if n.row.Type == NodeTypeAggregator {
		return NewAggregatorSession(sessionID, em, n.Publish, n.batchTarget()), nil
	}
	drv, err := n.drivers(n.row, sessionID)
	if err != nil {
		return nil, fmt.Errorf("driver factory: %w", err)
	}
	return NewAgentSession(sessionID, mode, drv, em, n.Publish, n.sysPrompt), nil
}

// ensureSessionRow persists the session row unless one already exists. A
// stored closed session cannot be revived.
func (n *Node) ensureSessionRow(ctx context.Context, sessionID string, mode model.SessionMode) error {
	existing, err := n.stores.Sessions.Get(ctx, sessionID)
	switch {
	case err == nil:
		if existing.Status != model.SessionActive {
			return fmt.Errorf("session %s: %w", sessionID, model.ErrSessionClosed)
		}
		return nil
	case errors.Is(err, model.ErrNotFound):
		return n.stores.Sessions.Create(ctx, &model.Session{
			ID:     sessionID,
			UserID: n.row.UserID,
			MeshID: n.mesh.ID,
			NodeID: n.row.ID,
			Mode:   mode,
			Status: model.SessionActive,
		})
	default:
		return fmt.Errorf("load session: %w", err)
	}
}

// closeSession closes and forgets one hosted session. Runs on the worker.
func (n *Node) closeSession(ctx context.Context, sessionID string, force bool) {
	sess, ok := n.sessions[sessionID]
	if !ok {
		return
	}
	if err := sess.Close(ctx, force); err != nil {
		slog.Warn("session close failed", "session_id", sessionID, "error", err)
	}
	n.dropSession(sessionID)
}

func (n *Node) dropSession(sessionID string) {
	delete(n.sessions, sessionID)
	n.registry.UnregisterSession(sessionID)
	if n.onSessionClosed != nil {
		n.onSessionClosed(sessionID)
	}
}

// batchTarget reads the aggregator's configured flush target from node config.
func (n *Node) batchTarget() *int64 {
	v, ok := n.row.Config["batch_target_node_id"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case float64:
		id := int64(t)
		return &id
	case int64:
		return &t
	case int:
		id := int64(t)
		return &id
	}
	return nil
}

// Publish is the node's egress path, safe to call from session goroutines.
// With targetNodeID set it sends directly along that connection, reusing the
// upstream id as the downstream id. Otherwise it fans out along matching
// subscriptions, resolving a downstream session per recipient.
func (n *Node) Publish(ctx context.Context, sessionID string, eventType event.Type, payload map[string]any, targetNodeID *int64) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	if err := event.ValidatePayload(eventType, payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	if targetNodeID != nil {
		target := *targetNodeID
		if _, err := n.stores.Connections.Get(ctx, n.mesh.ID, n.row.ID, target); err != nil {
			slog.Warn("publish dropped, no connection",
				"node_id", n.row.ID, "target_id", target, "event_type", eventType)
			return nil
		}
		env := event.NewEnvelope(eventType, n.row.ID, target, sessionID, sessionID, payload)
		return n.client.Send(ctx, event.Topic(n.mesh.ID, target), env)
	}

	subs, err := n.stores.Subscriptions.ListBySourceEvent(ctx, n.mesh.ID, n.row.ID, string(eventType))
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		conn, err := n.stores.Connections.Get(ctx, n.mesh.ID, n.row.ID, sub.TargetNodeID)
		if err != nil {
			slog.Warn("publish skipped recipient, no connection",
				"node_id", n.row.ID, "target_id", sub.TargetNodeID, "event_type", eventType)
			continue
		}
		downstream, err := n.router.Resolve(ctx, n.mesh.ID, n.row.ID, sessionID, sub.TargetNodeID, conn.Alignment)
		if err != nil {
			slog.Error("publish skipped recipient, routing failed",
				"node_id", n.row.ID, "target_id", sub.TargetNodeID, "error", err)
			continue
		}
		env := event.NewEnvelope(eventType, n.row.ID, sub.TargetNodeID, sessionID, downstream, payload)
		if err := n.client.Send(ctx, event.Topic(n.mesh.ID, sub.TargetNodeID), env); err != nil {
			slog.Error("publish send failed",
				"node_id", n.row.ID, "target_id", sub.TargetNodeID, "error", err)
		}
	}
	return nil
}

// NewSessionID mints a session id for externally created sessions.
func NewSessionID() string { return uuid.NewString() }

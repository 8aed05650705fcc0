package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renjiyun06/mosaic-sub001/internal/broker"
	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/userbroker"
)

// ManagerOptions tunes the process-wide runtime.
type ManagerOptions struct {
	// Workers is the size of the worker pool. Meshes are pinned round-robin.
	Workers int
}

// Manager owns the worker pool, the in-process broker, the user broker, and
// every running mesh. It is the single entry point the control plane talks
// to: meshes start and stop here, and session commands route through the
// Submit methods to the hosting mesh's queue.
type Manager struct {
	stores  *model.Stores
	drivers driver.Factory
	broker  *broker.Broker
	users   *userbroker.UserBroker
	router  *SessionRouter
	workers []*Worker

	mu          sync.Mutex
	running     bool
	meshes      map[int64]*MeshInstance
	sessionMesh map[string]int64
	live        map[string]struct{}
	nextWorker  int
}

// NewManager wires a stopped runtime over the given stores and driver
// factory.
func NewManager(stores *model.Stores, drivers driver.Factory, opts ManagerOptions) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	m := &Manager{
		stores:      stores,
		drivers:     drivers,
		users:       userbroker.New(),
		router:      NewSessionRouter(stores.Routings),
		meshes:      make(map[int64]*MeshInstance),
		sessionMesh: make(map[string]int64),
		live:        make(map[string]struct{}),
	}
	m.broker = broker.New(m.persistEnvelope)
	for i := 0; i < opts.Workers; i++ {
		m.workers = append(m.workers, NewWorker(i))
	}
	return m
}

// Users exposes the user broker for the gateway to register connections on.
func (m *Manager) Users() *userbroker.UserBroker { return m.users }

// Start brings the broker, the user broker, and the worker pool up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	m.broker.Start()
	m.users.Start()
	g, _ := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		w := w
		g.Go(func() error {
			w.Start()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.running = true
	slog.Info("runtime manager started", "workers", len(m.workers))
	return nil
}

// Stop tears everything down: meshes first, then workers, then brokers.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	meshes := make([]*MeshInstance, 0, len(m.meshes))
	for _, inst := range m.meshes {
		meshes = append(meshes, inst)
	}
	m.meshes = make(map[int64]*MeshInstance)
	m.sessionMesh = make(map[string]int64)
	m.live = make(map[string]struct{})
	m.mu.Unlock()

	for _, inst := range meshes {
		if err := inst.Stop(ctx); err != nil {
			slog.Warn("mesh stop failed", "mesh_id", inst.MeshID(), "error", err)
		}
	}
	for _, w := range m.workers {
		w.Stop()
	}
	m.users.Stop()
	m.broker.Stop()
	slog.Info("runtime manager stopped")
	return nil
}

// StartMesh loads the mesh and brings an instance up on the next worker in
// round-robin order.
func (m *Manager) StartMesh(ctx context.Context, meshID int64) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := m.meshes[meshID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("mesh %d: %w", meshID, ErrAlreadyStarted)
	}
	worker := m.workers[m.nextWorker%len(m.workers)]
	m.nextWorker++
	m.mu.Unlock()

	mesh, err := m.stores.Meshes.Get(ctx, meshID)
	if err != nil {
		return fmt.Errorf("load mesh %d: %w", meshID, err)
	}
	inst := NewMeshInstance(mesh, worker, m.stores, m.broker, m.router, m.users, m.drivers, m)
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("start mesh %d: %w", meshID, err)
	}

	m.mu.Lock()
	m.meshes[meshID] = inst
	m.mu.Unlock()
	return nil
}

// StopMesh stops a running mesh instance. All of its sessions force-close.
func (m *Manager) StopMesh(ctx context.Context, meshID int64) error {
	m.mu.Lock()
	inst, ok := m.meshes[meshID]
	if ok {
		delete(m.meshes, meshID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh %d: %w", meshID, ErrMeshNotRunning)
	}
	return inst.Stop(ctx)
}

// RegisterSession enforces at most one live runtime session per id across
// the whole process.
func (m *Manager) RegisterSession(sessionID string, meshID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.live[sessionID]; dup {
		return fmt.Errorf("session %s already live", sessionID)
	}
	m.live[sessionID] = struct{}{}
	m.sessionMesh[sessionID] = meshID
	return nil
}

// UnregisterSession releases a session id. Idempotent.
func (m *Manager) UnregisterSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, sessionID)
	delete(m.sessionMesh, sessionID)
}

// SubmitCreateSession queues session creation on nodeID of meshID.
func (m *Manager) SubmitCreateSession(ctx context.Context, meshID, nodeID int64, mode model.SessionMode, cb func(CommandResult)) error {
	inst, err := m.meshInstance(meshID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandCreateSession, NodeID: nodeID, Mode: mode, Callback: cb})
}

// SubmitCloseSession queues a graceful close of sessionID on its hosting mesh.
func (m *Manager) SubmitCloseSession(ctx context.Context, sessionID string, cb func(CommandResult)) error {
	inst, err := m.sessionMeshInstance(sessionID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandCloseSession, SessionID: sessionID, Callback: cb})
}

// SubmitSendMessage queues a user message toward sessionID.
func (m *Manager) SubmitSendMessage(ctx context.Context, sessionID, text string, cb func(CommandResult)) error {
	inst, err := m.sessionMeshInstance(sessionID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandSendMessage, SessionID: sessionID, Text: text, Callback: cb})
}

// SubmitInterrupt queues an interrupt of sessionID's current turn.
func (m *Manager) SubmitInterrupt(ctx context.Context, sessionID string, cb func(CommandResult)) error {
	inst, err := m.sessionMeshInstance(sessionID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandInterruptSession, SessionID: sessionID, Callback: cb})
}

// SubmitStartNode queues a node start on meshID.
func (m *Manager) SubmitStartNode(ctx context.Context, meshID, nodeID int64, cb func(CommandResult)) error {
	inst, err := m.meshInstance(meshID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandStartNode, NodeID: nodeID, Callback: cb})
}

// SubmitStopNode queues a node stop on meshID.
func (m *Manager) SubmitStopNode(ctx context.Context, meshID, nodeID int64, cb func(CommandResult)) error {
	inst, err := m.meshInstance(meshID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandStopNode, NodeID: nodeID, Callback: cb})
}

// SubmitRestartNode queues a node restart on meshID.
func (m *Manager) SubmitRestartNode(ctx context.Context, meshID, nodeID int64, cb func(CommandResult)) error {
	inst, err := m.meshInstance(meshID)
	if err != nil {
		return err
	}
	return inst.Submit(ctx, Command{Type: CommandRestartNode, NodeID: nodeID, Callback: cb})
}

func (m *Manager) meshInstance(meshID int64) (*MeshInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.meshes[meshID]
	if !ok {
		return nil, fmt.Errorf("mesh %d: %w", meshID, ErrMeshNotRunning)
	}
	return inst, nil
}

func (m *Manager) sessionMeshInstance(sessionID string) (*MeshInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meshID, ok := m.sessionMesh[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	inst, ok := m.meshes[meshID]
	if !ok {
		return nil, fmt.Errorf("mesh %d: %w", meshID, ErrMeshNotRunning)
	}
	return inst, nil
}

// persistEnvelope is the broker's write-behind sink: every distributed
// envelope lands in the event log, attributed to the target node's owning
// user. Failures are logged and never affect delivery.
func (m *Manager) persistEnvelope(topic string, env *event.Envelope) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, nodeID, err := event.ParseTopic(topic)
		if err != nil {
			slog.Warn("event log skipped, bad topic", "topic", topic, "error", err)
			return
		}
		node, err := m.stores.Nodes.Get(ctx, nodeID)
		if err != nil {
			slog.Warn("event log skipped, node lookup failed", "node_id", nodeID, "error", err)
			return
		}
		payload, _ := json.Marshal(env.Payload)
		entry := &model.EventLogEntry{
			ID:                  env.EventID,
			UserID:              node.UserID,
			EventID:             env.EventID,
			SourceNodeID:        env.SourceID,
			TargetNodeID:        env.TargetID,
			EventType:           string(env.Type),
			UpstreamSessionID:   env.UpstreamSessionID,
			DownstreamSessionID: env.DownstreamSessionID,
			Payload:             string(payload),
			CreatedAt:           env.CreatedAt,
		}
		if err := m.stores.EventLog.Append(ctx, entry); err != nil {
			slog.Warn("event log append failed", "event_id", env.EventID, "error", err)
		}
	}()
}

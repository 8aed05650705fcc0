package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/renjiyun06/mosaic-sub001/internal/broker"
	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/userbroker"
)

const commandQueueCapacity = 256

// CommandType names a mesh control-plane operation.
type CommandType string

const (
	CommandCreateSession    CommandType = "CREATE_SESSION"
	CommandCloseSession     CommandType = "CLOSE_SESSION"
	CommandSendMessage      CommandType = "SEND_MESSAGE"
	CommandInterruptSession CommandType = "INTERRUPT_SESSION"
	CommandStartNode        CommandType = "START_NODE"
	CommandStopNode         CommandType = "STOP_NODE"
	CommandRestartNode      CommandType = "RESTART_NODE"
)

// Command is one queued control-plane request against a mesh. Fields beyond
// Type are filled per command kind. Callback, when set, receives the result
// exactly once; it runs on the mesh's consumer goroutine and must not block.
type Command struct {
	Type      CommandType
	RequestID string
	NodeID    int64
	SessionID string
	Mode      model.SessionMode
	Text      string
	Callback  func(CommandResult)
}

// CommandResult reports the outcome of one command.
type CommandResult struct {
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status"` // "success" or "error"
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MeshInstance is one running mesh: its nodes, its command queue, and its
// pinned worker. Commands are consumed strictly in submission order; each
// executes to completion on the worker before the next starts.
type MeshInstance struct {
	mesh     *model.Mesh
	worker   *Worker
	stores   *model.Stores
	broker   *broker.Broker
	router   *SessionRouter
	users    *userbroker.UserBroker
	drivers  driver.Factory
	registry SessionRegistry

	commands chan Command
	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{}
	startup  sync.Once
	shutdown sync.Once

	// worker-owned
	nodes       map[int64]*Node
	sessionNode map[string]int64
}

// NewMeshInstance builds a stopped instance pinned to worker.
func NewMeshInstance(mesh *model.Mesh, worker *Worker, stores *model.Stores, b *broker.Broker, router *SessionRouter, users *userbroker.UserBroker, drivers driver.Factory, registry SessionRegistry) *MeshInstance {
	inst := &MeshInstance{
		mesh:        mesh,
		worker:      worker,
		stores:      stores,
		broker:      b,
		router:      router,
		users:       users,
		drivers:     drivers,
		registry:    registry,
		commands:    make(chan Command, commandQueueCapacity),
		consumed:    make(chan struct{}),
		nodes:       make(map[int64]*Node),
		sessionNode: make(map[string]int64),
	}
	inst.ctx, inst.cancel = context.WithCancel(context.Background())
	return inst
}

// MeshID returns the instance's persistent mesh id.
func (m *MeshInstance) MeshID() int64 { return m.mesh.ID }

// Start launches the command consumer and starts every auto_start node.
func (m *MeshInstance) Start(ctx context.Context) error {
	var startErr error
	m.startup.Do(func() {
		go m.consume()

		rows, err := m.stores.Nodes.ListByMesh(ctx, m.mesh.ID)
		if err != nil {
			startErr = fmt.Errorf("list nodes: %w", err)
			return
		}
		for _, row := range rows {
			if !row.AutoStart {
				continue
			}
			row := row
			if err := m.worker.Call(func() {
				if err := m.startNode(ctx, row.ID); err != nil {
					slog.Error("auto start failed",
						"mesh_id", m.mesh.ID, "node_id", row.ID, "error", err)
				}
			}); err != nil {
				startErr = err
				return
			}
		}
		slog.Info("mesh started", "mesh_id", m.mesh.ID, "worker", m.worker.Index())
	})
	return startErr
}

// Stop drains no further commands, stops every node, and joins the consumer.
func (m *MeshInstance) Stop(ctx context.Context) error {
	var stopErr error
	m.shutdown.Do(func() {
		m.cancel()
		<-m.consumed
		stopErr = m.worker.Call(func() {
			for id, node := range m.nodes {
				if err := node.Stop(ctx); err != nil {
					slog.Warn("node stop failed", "mesh_id", m.mesh.ID, "node_id", id, "error", err)
				}
			}
			m.nodes = make(map[int64]*Node)
			m.sessionNode = make(map[string]int64)
		})
		slog.Info("mesh stopped", "mesh_id", m.mesh.ID)
	})
	return stopErr
}

// Submit enqueues cmd. Returns ErrMeshNotRunning once the instance stopped.
func (m *MeshInstance) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-m.ctx.Done():
		return ErrMeshNotRunning
	default:
	}
	select {
	case m.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrMeshNotRunning
	}
}

func (m *MeshInstance) consume() {
	defer close(m.consumed)
	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.commands:
			res := CommandResult{RequestID: cmd.RequestID, Status: "success"}
			var cmdErr error
			if err := m.worker.Call(func() {
				cmdErr = m.process(m.ctx, cmd, &res)
			}); err != nil {
				cmdErr = err
			}
			if cmdErr != nil {
				res.Status = "error"
				res.Error = cmdErr.Error()
				slog.Warn("command failed",
					"mesh_id", m.mesh.ID, "command", cmd.Type, "error", cmdErr)
			}
			if cmd.Callback != nil {
				cmd.Callback(res)
			}
		}
	}
}

// process executes one command. Runs on the worker.
func (m *MeshInstance) process(ctx context.Context, cmd Command, res *CommandResult) error {
	switch cmd.Type {
	case CommandCreateSession:
		node, ok := m.nodes[cmd.NodeID]
		if !ok {
			return fmt.Errorf("node %d: %w", cmd.NodeID, ErrNotRunning)
		}
		sessionID := cmd.SessionID
		if sessionID == "" {
			sessionID = NewSessionID()
		}
		mode := cmd.Mode
		if mode == "" {
			mode = model.ModeChat
		}
		if _, err := node.getOrCreateSession(ctx, sessionID, mode); err != nil {
			return err
		}
		res.SessionID = sessionID
		return nil

	case CommandCloseSession:
		node, err := m.sessionHost(cmd.SessionID)
		if err != nil {
			return err
		}
		node.closeSession(ctx, cmd.SessionID, false)
		return nil

	case CommandSendMessage:
		node, err := m.sessionHost(cmd.SessionID)
		if err != nil {
			return err
		}
		sess, ok := node.sessions[cmd.SessionID]
		if !ok {
			return fmt.Errorf("session %s: %w", cmd.SessionID, ErrSessionNotFound)
		}
		return sess.SendUserMessage(ctx, cmd.Text)

	case CommandInterruptSession:
		node, err := m.sessionHost(cmd.SessionID)
		if err != nil {
			return err
		}
		sess, ok := node.sessions[cmd.SessionID]
		if !ok {
			return fmt.Errorf("session %s: %w", cmd.SessionID, ErrSessionNotFound)
		}
		sess.Interrupt()
		return nil

	case CommandStartNode:
		return m.startNode(ctx, cmd.NodeID)

	case CommandStopNode:
		return m.stopNode(ctx, cmd.NodeID)

	case CommandRestartNode:
		if err := m.stopNode(ctx, cmd.NodeID); err != nil {
			return err
		}
		return m.startNode(ctx, cmd.NodeID)

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (m *MeshInstance) sessionHost(sessionID string) (*Node, error) {
	nodeID, ok := m.sessionNode[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", nodeID, ErrNotRunning)
	}
	return node, nil
}

// startNode loads the node row and brings the runtime node up. Runs on the
// worker.
func (m *MeshInstance) startNode(ctx context.Context, nodeID int64) error {
	if _, ok := m.nodes[nodeID]; ok {
		return fmt.Errorf("node %d: %w", nodeID, ErrAlreadyStarted)
	}
	row, err := m.stores.Nodes.Get(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("load node %d: %w", nodeID, err)
	}
	if row.MeshID != m.mesh.ID {
		return fmt.Errorf("node %d belongs to mesh %d, not %d", nodeID, row.MeshID, m.mesh.ID)
	}

	node := NewNode(row, m.mesh, m.stores, m.broker, m.router, m.drivers, m.worker, m.registry,
		func(sessionID string) *emitter {
			return &emitter{
				stores:    m.stores,
				users:     m.users,
				userID:    row.UserID,
				sessionID: sessionID,
			}
		})
	node.onSessionOpened = func(sessionID string) { m.sessionNode[sessionID] = nodeID }
	node.onSessionClosed = func(sessionID string) { delete(m.sessionNode, sessionID) }

	if err := node.Start(ctx); err != nil {
		return err
	}
	m.nodes[nodeID] = node
	return nil
}

// stopNode tears one runtime node down. Runs on the worker.
func (m *MeshInstance) stopNode(ctx context.Context, nodeID int64) error {
	node, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotRunning)
	}
	if err := node.Stop(ctx); err != nil {
		return err
	}
	delete(m.nodes, nodeID)
	return nil
}

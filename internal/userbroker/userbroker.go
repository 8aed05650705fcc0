// Package userbroker fans outgoing session messages from worker goroutines
// out to a user's client connections on the control-plane side.
//
// A single hub goroutine owns the connection maps; workers never read them.
// PushFromWorker posts a task onto the hub, which copies the message into
// each connection's own FIFO queue, so one slow browser tab cannot block
// another.
package userbroker

import (
	"log/slog"
	"sync"

	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

// Conn is one user-facing connection. The production implementation wraps a
// WebSocket; tests inject fakes.
type Conn interface {
	Send(msg protocol.UserMessage) error
	Close() error
}

const (
	hubCapacity   = 1024
	queueCapacity = 128
)

type connection struct {
	userID int64
	conn   Conn
	queue  chan protocol.UserMessage
	once   sync.Once
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.queue) })
}

// UserBroker is the process-wide fan-out hub.
type UserBroker struct {
	tasks chan func()
	conns map[int64]map[Conn]*connection
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

// New creates a stopped hub.
func New() *UserBroker {
	return &UserBroker{
		tasks: make(chan func(), hubCapacity),
		conns: make(map[int64]map[Conn]*connection),
		done:  make(chan struct{}),
	}
}

// Start launches the hub goroutine.
func (b *UserBroker) Start() {
	b.wg.Add(1)
	go b.run()
	slog.Info("user broker started")
}

// Stop disconnects every connection and stops the hub.
func (b *UserBroker) Stop() {
	b.stop.Do(func() { close(b.done) })
	b.wg.Wait()
	slog.Info("user broker stopped")
}

func (b *UserBroker) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			for _, set := range b.conns {
				for _, c := range set {
					c.stop()
					_ = c.conn.Close()
				}
			}
			b.conns = make(map[int64]map[Conn]*connection)
			return
		case task := <-b.tasks:
			task()
		}
	}
}

// submit posts a task onto the hub goroutine.
func (b *UserBroker) submit(task func()) {
	select {
	case b.tasks <- task:
	case <-b.done:
	}
}

// ConnectUser registers a connection for a user and starts its forwarding
// goroutine. Multiple concurrent connections per user are allowed.
func (b *UserBroker) ConnectUser(userID int64, conn Conn) {
	b.submit(func() {
		set, ok := b.conns[userID]
		if !ok {
			set = make(map[Conn]*connection)
			b.conns[userID] = set
		}
		c := &connection{
			userID: userID,
			conn:   conn,
			queue:  make(chan protocol.UserMessage, queueCapacity),
		}
		set[conn] = c
		b.wg.Add(1)
		go b.forward(c)
		slog.Info("user connected", "user_id", userID)
	})
}

// DisconnectUser removes one connection, or all of the user's connections
// when conn is nil.
func (b *UserBroker) DisconnectUser(userID int64, conn Conn) {
	b.submit(func() {
		set, ok := b.conns[userID]
		if !ok {
			return
		}
		if conn != nil {
			if c, ok := set[conn]; ok {
				delete(set, conn)
				c.stop()
				_ = c.conn.Close()
			}
		} else {
			for _, c := range set {
				c.stop()
				_ = c.conn.Close()
			}
			delete(b.conns, userID)
		}
		if len(set) == 0 {
			delete(b.conns, userID)
		}
		slog.Info("user disconnected", "user_id", userID)
	})
}

// PushFromWorker delivers msg to every connection of userID. Callable from
// any goroutine; the enqueue happens on the hub.
func (b *UserBroker) PushFromWorker(userID int64, msg protocol.UserMessage) {
	b.submit(func() {
		for _, c := range b.conns[userID] {
			select {
			case c.queue <- msg:
			default:
				slog.Warn("user connection queue full, message dropped",
					"user_id", userID, "session_id", msg.SessionID)
			}
		}
	})
}

// forward drains one connection's queue. On any send failure the connection
// is disconnected and the goroutine exits.
func (b *UserBroker) forward(c *connection) {
	defer b.wg.Done()
	for msg := range c.queue {
		if err := c.conn.Send(msg); err != nil {
			slog.Warn("user connection send failed, disconnecting",
				"user_id", c.userID, "error", err)
			b.DisconnectUser(c.userID, c.conn)
			return
		}
	}
}

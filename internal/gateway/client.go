package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/renjiyun06/mosaic-sub001/internal/runtime"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// client is one user WebSocket connection. It implements userbroker.Conn for
// the outbound side; the inbound side runs in readLoop. Writes are serialized
// behind a mutex since both the user broker and the error path write.
type client struct {
	conn    *websocket.Conn
	userID  int64
	manager *runtime.Manager

	writeMu sync.Mutex
	once    sync.Once
}

func newClient(conn *websocket.Conn, userID int64, manager *runtime.Manager) *client {
	return &client{conn: conn, userID: userID, manager: manager}
}

// Send delivers one session message to this connection. Called by the user
// broker's forwarding goroutine.
func (c *client) Send(msg protocol.UserMessage) error {
	return c.writeJSON(msg)
}

// Close shuts the underlying socket. Safe to call more than once.
func (c *client) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// readLoop consumes client frames until the socket closes. Command outcomes
// come back asynchronously; failures surface as error frames.
func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "malformed frame")
			continue
		}
		if frame.SessionID == "" {
			c.sendError("", "session_id is required")
			continue
		}

		switch frame.Type {
		case protocol.FrameUserMessage:
			err = c.manager.SubmitSendMessage(ctx, frame.SessionID, frame.Message, c.commandCallback(frame.SessionID))
		case protocol.FrameUserInterrupt:
			err = c.manager.SubmitInterrupt(ctx, frame.SessionID, c.commandCallback(frame.SessionID))
		default:
			c.sendError(frame.SessionID, "unknown frame type "+frame.Type)
			continue
		}
		if err != nil {
			c.sendError(frame.SessionID, err.Error())
		}
	}
}

// commandCallback surfaces a failed command back to this connection.
func (c *client) commandCallback(sessionID string) func(runtime.CommandResult) {
	return func(res runtime.CommandResult) {
		if res.Status != "error" {
			return
		}
		c.sendError(sessionID, res.Error)
	}
}

func (c *client) sendError(sessionID, msg string) {
	if err := c.writeJSON(protocol.NewErrorFrame(sessionID, msg)); err != nil {
		slog.Warn("error frame write failed", "user_id", c.userID, "error", err)
	}
}

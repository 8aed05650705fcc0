package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/userbroker"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

// Lifecycle errors shared across runtime scopes.
var (
	ErrNotStarted      = errors.New("not started")
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotRunning      = errors.New("not running")
	ErrMeshNotRunning  = errors.New("mesh not running")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownEvent    = errors.New("unknown event type")
)

type sessionState int

const (
	stateOpen sessionState = iota
	stateClosing
	stateClosed
)

// Session is a stateful interaction context hosted by a node. Concrete kinds
// (agent, aggregator) implement it; the node dispatches envelopes and user
// messages through this surface.
type Session interface {
	ID() string
	Mode() model.SessionMode
	Start(ctx context.Context) error
	// Close tears the session down. force=false waits for the in-flight
	// turn and emits session_end in background mode; force=true cancels
	// immediately and stays silent. Closing a closed session is a no-op.
	Close(ctx context.Context, force bool) error
	// ProcessEvent accepts an inbound envelope. When the returned channel is
	// non-nil it closes once processing completes; the node defers the
	// post-dispatch alignment rule until then.
	ProcessEvent(env *event.Envelope) (<-chan struct{}, error)
	SendUserMessage(ctx context.Context, text string) error
	Interrupt()
}

// emitter is the single outbound chokepoint for session messages. It
// persists the message row (which assigns the per-session sequence), then
// hands the structured message to the user broker. If persistence fails the
// user push is skipped for that message only.
type emitter struct {
	stores    *model.Stores
	users     *userbroker.UserBroker
	userID    int64
	sessionID string
}

func (e *emitter) emit(ctx context.Context, role, msgType, content string) error {
	row := &model.Message{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		Role:      role,
		Type:      msgType,
		Content:   content,
	}
	saved, err := e.stores.Messages.Append(ctx, row)
	if err != nil {
		slog.Error("session message persist failed",
			"session_id", e.sessionID, "type", msgType, "error", err)
		return err
	}
	if e.users != nil {
		e.users.PushFromWorker(e.userID, protocol.UserMessage{
			SessionID: saved.SessionID,
			Type:      saved.Type,
			Role:      saved.Role,
			Content:   saved.Content,
			MessageID: saved.ID,
			Sequence:  saved.Sequence,
			Timestamp: saved.CreatedAt,
		})
	}
	return nil
}

// closeStored marks the session closed in the store. Used by every session
// kind at teardown.
func (e *emitter) closeStored(ctx context.Context) {
	if err := e.stores.Sessions.Close(ctx, e.sessionID, time.Now()); err != nil {
		slog.Error("session close persist failed", "session_id", e.sessionID, "error", err)
	}
}

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

// AggregatorSession buffers every inbound event and, on close, emits a single
// event_batch toward the node's configured batch target. It holds no driver
// and does not accept user messages.
type AggregatorSession struct {
	id      string
	em      *emitter
	publish publishFunc
	// target is read from the hosting node's config ("batch_target_node_id").
	// When absent the batch is logged and discarded at close.
	target *int64

	mu    sync.Mutex
	state sessionState
	buf   []*event.Envelope
}

// NewAggregatorSession builds a stopped aggregator session.
func NewAggregatorSession(id string, em *emitter, publish publishFunc, target *int64) *AggregatorSession {
	return &AggregatorSession{
		id:      id,
		em:      em,
		publish: publish,
		target:  target,
	}
}

func (s *AggregatorSession) ID() string              { return s.id }
func (s *AggregatorSession) Mode() model.SessionMode { return model.ModeProgram }

func (s *AggregatorSession) Start(ctx context.Context) error {
	slog.Info("aggregator session started", "session_id", s.id)
	return nil
}

// ProcessEvent appends env to the buffer. Processing is synchronous, so no
// completion channel is returned.
func (s *AggregatorSession) ProcessEvent(env *event.Envelope) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil, model.ErrSessionClosed
	}
	s.buf = append(s.buf, env)
	return nil, nil
}

// SendUserMessage is unsupported: aggregator sessions are program-driven.
func (s *AggregatorSession) SendUserMessage(ctx context.Context, text string) error {
	return fmt.Errorf("aggregator session %s: user messages not supported", s.id)
}

func (s *AggregatorSession) Interrupt() {}

// Close flushes the buffer as one event_batch toward the configured target,
// then marks the session closed. With no target the batch is dropped.
func (s *AggregatorSession) Close(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(buf) > 0 {
		if s.target != nil {
			events := make([]map[string]any, 0, len(buf))
			for _, env := range buf {
				events = append(events, map[string]any{
					"event_id":   env.EventID,
					"source_id":  env.SourceID,
					"event_type": string(env.Type),
					"payload":    env.Payload,
					"created_at": env.CreatedAt,
				})
			}
			if err := s.publish(ctx, s.id, event.TypeEventBatch,
				map[string]any{"events": events, "count": len(events)}, s.target); err != nil {
				slog.Warn("event batch publish failed", "session_id", s.id, "error", err)
			}
		} else {
			slog.Debug("aggregator has no batch target, buffer discarded",
				"session_id", s.id, "buffered", len(buf))
		}
	}

	summary, _ := json.Marshal(map[string]any{"buffered": len(buf)})
	_ = s.em.emit(ctx, protocol.RoleSystem, protocol.TypeSystemMessage,
		fmt.Sprintf("aggregator closed: %s", summary))
	s.em.closeStored(ctx)
	slog.Info("aggregator session closed", "session_id", s.id, "buffered", len(buf))
	return nil
}

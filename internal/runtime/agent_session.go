package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

const sessionQueueCapacity = 64

// publishFunc is how a session hands an event back to its hosting node for
// fan-out. targetNodeID nil means pub/sub via subscriptions.
type publishFunc func(ctx context.Context, sessionID string, eventType event.Type, payload map[string]any, targetNodeID *int64) error

// agentEvent carries an inbound envelope plus the completion signal the node
// waits on before applying the post-dispatch alignment rule.
type agentEvent struct {
	env  *event.Envelope
	done chan struct{}
}

// AgentSession drives one driver-backed conversation. A dedicated goroutine
// owns the driver and processes queued user messages and inbound events
// strictly in arrival order, one turn at a time.
type AgentSession struct {
	id      string
	mode    model.SessionMode
	drv     driver.Driver
	em      *emitter
	publish publishFunc

	sysPrompt     string
	sysPromptSent bool

	userMsgs chan string
	events   chan agentEvent

	ctx         context.Context
	cancel      context.CancelFunc
	loopDone    chan struct{}
	interrupted atomic.Bool

	mu       sync.Mutex
	state    sessionState
	turnDone chan struct{}
}

// NewAgentSession builds a stopped agent session. sysPrompt, when non-empty,
// is prepended to the first turn's query.
func NewAgentSession(id string, mode model.SessionMode, drv driver.Driver, em *emitter, publish publishFunc, sysPrompt string) *AgentSession {
	return &AgentSession{
		id:        id,
		mode:      mode,
		drv:       drv,
		em:        em,
		publish:   publish,
		sysPrompt: sysPrompt,
		userMsgs:  make(chan string, sessionQueueCapacity),
		events:    make(chan agentEvent, sessionQueueCapacity),
		loopDone:  make(chan struct{}),
	}
}

func (s *AgentSession) ID() string              { return s.id }
func (s *AgentSession) Mode() model.SessionMode { return s.mode }

// Start connects the driver and launches the turn loop. A driver connect
// failure leaves the session unstarted.
func (s *AgentSession) Start(ctx context.Context) error {
	if err := s.drv.Connect(ctx); err != nil {
		return fmt.Errorf("driver connect: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()
	if s.mode == model.ModeBackground {
		s.publishEvent(ctx, event.TypeSessionStart, nil)
	}
	slog.Info("agent session started", "session_id", s.id, "mode", s.mode)
	return nil
}

func (s *AgentSession) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.userMsgs:
			s.runTurn(text, nil)
		case ev := <-s.events:
			s.runTurn(eventText(ev.env), ev.done)
		}
	}
}

// SendUserMessage queues text for the turn loop. Messages queued while a turn
// runs are processed after it, in order.
func (s *AgentSession) SendUserMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return model.ErrSessionClosed
	}
	s.mu.Unlock()
	select {
	case s.userMsgs <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return model.ErrSessionClosed
	}
}

// ProcessEvent queues env as a turn. The returned channel closes when the
// turn completes.
func (s *AgentSession) ProcessEvent(env *event.Envelope) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	s.mu.Unlock()
	done := make(chan struct{})
	select {
	case s.events <- agentEvent{env: env, done: done}:
		return done, nil
	case <-s.ctx.Done():
		return nil, model.ErrSessionClosed
	}
}

// Interrupt aborts the current turn. The driver stops streaming; the
// interrupted flag suppresses the turn's session_response and is cleared when
// the turn resolves.
func (s *AgentSession) Interrupt() {
	s.interrupted.Store(true)
	s.drv.Interrupt()
	slog.Info("agent session interrupted", "session_id", s.id)
}

// Close tears the session down per the force flag. Graceful close waits for
// the in-flight turn and, in background mode, publishes session_end.
func (s *AgentSession) Close(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosing
	turn := s.turnDone
	s.mu.Unlock()

	if force {
		s.interrupted.Store(true)
		s.drv.Interrupt()
		s.cancel()
		<-s.loopDone
	} else {
		if turn != nil {
			<-turn
		}
		s.cancel()
		<-s.loopDone
		if s.mode == model.ModeBackground {
			s.publishEvent(ctx, event.TypeSessionEnd, nil)
		}
	}
	if err := s.drv.Disconnect(); err != nil {
		slog.Warn("driver disconnect failed", "session_id", s.id, "error", err)
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	_ = s.em.emit(ctx, protocol.RoleSystem, protocol.TypeSystemMessage, "session closed")
	s.em.closeStored(ctx)
	slog.Info("agent session closed", "session_id", s.id, "force", force)
	return nil
}

func (s *AgentSession) beginTurn() {
	s.mu.Lock()
	s.turnDone = make(chan struct{})
	s.mu.Unlock()
}

func (s *AgentSession) endTurn() {
	s.mu.Lock()
	close(s.turnDone)
	s.turnDone = nil
	s.mu.Unlock()
}

// runTurn executes one full request/stream/persist cycle. done, when non-nil,
// is closed at the end so the dispatching node can apply its post-dispatch
// rule.
func (s *AgentSession) runTurn(text string, done chan struct{}) {
	if done != nil {
		defer close(done)
	}
	s.beginTurn()
	defer s.endTurn()
	defer s.interrupted.Store(false)
	ctx := s.ctx

	_ = s.em.emit(ctx, protocol.RoleUser, protocol.TypeUserMessage, text)
	if s.mode == model.ModeBackground {
		s.publishEvent(ctx, event.TypeUserPromptSubmit, map[string]any{"prompt": text})
	}

	query := text
	if !s.sysPromptSent && s.sysPrompt != "" {
		query = s.sysPrompt + "\n\n" + text
		s.sysPromptSent = true
	}

	frags, err := s.drv.Query(ctx, query)
	if err != nil {
		slog.Error("driver query failed", "session_id", s.id, "error", err)
		_ = s.em.emit(ctx, protocol.RoleSystem, protocol.TypeSystemMessage,
			fmt.Sprintf("driver error: %v", err))
		return
	}

	for frag := range frags {
		switch frag.Kind {
		case driver.FragmentText:
			_ = s.em.emit(ctx, protocol.RoleAssistant, protocol.TypeAssistantText, frag.Text)
		case driver.FragmentThinking:
			_ = s.em.emit(ctx, protocol.RoleAssistant, protocol.TypeAssistantThinking, frag.Thinking)
		case driver.FragmentToolUse:
			content, _ := json.Marshal(map[string]any{
				"tool_name":  frag.ToolName,
				"tool_input": frag.ToolInput,
			})
			_ = s.em.emit(ctx, protocol.RoleAssistant, protocol.TypeAssistantToolUse, string(content))
			if s.mode == model.ModeBackground {
				s.publishEvent(ctx, event.TypePreToolUse, map[string]any{
					"tool_name":  frag.ToolName,
					"tool_input": frag.ToolInput,
				})
			}
		case driver.FragmentResult:
			s.finishTurn(ctx, frag.Result)
		}
	}
}

func (s *AgentSession) finishTurn(ctx context.Context, res *driver.Result) {
	if res == nil {
		return
	}
	if err := s.em.stores.Sessions.AccumulateUsage(ctx, s.id,
		res.Usage.InputTokens, res.Usage.OutputTokens, res.TotalCostUSD); err != nil {
		slog.Error("usage accumulate failed", "session_id", s.id, "error", err)
	}
	_ = s.em.emit(ctx, protocol.RoleAssistant, protocol.TypeAssistantResult, res.Text)
	if s.mode == model.ModeBackground && !s.interrupted.Load() {
		s.publishEvent(ctx, event.TypeSessionResponse, map[string]any{"response": res.Text})
	}
}

func (s *AgentSession) publishEvent(ctx context.Context, t event.Type, payload map[string]any) {
	if s.publish == nil {
		return
	}
	if err := s.publish(ctx, s.id, t, payload, nil); err != nil {
		slog.Warn("session event publish failed", "session_id", s.id, "event_type", t, "error", err)
	}
}

// eventText renders an inbound envelope as the turn's query text. Known
// payload shapes surface their primary field directly; anything else is
// framed with the event type and serialized payload.
func eventText(env *event.Envelope) string {
	switch env.Type {
	case event.TypeSessionResponse:
		if v, ok := env.Payload["response"].(string); ok {
			return v
		}
	case event.TypeUserPromptSubmit:
		if v, ok := env.Payload["prompt"].(string); ok {
			return v
		}
	case event.TypeNodeMessage, event.TypeSystemMessage:
		if v, ok := env.Payload["message"].(string); ok {
			return v
		}
	}
	body, _ := json.Marshal(env.Payload)
	return fmt.Sprintf("[event %s from node %d] %s", env.Type, env.SourceID, body)
}

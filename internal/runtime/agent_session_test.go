package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/driver"
	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/store/memory"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

// publishRecorder captures events a session hands back for fan-out.
type publishRecorder struct {
	mu   sync.Mutex
	got  []event.Type
	data []map[string]any
}

func (p *publishRecorder) publish(ctx context.Context, sessionID string, t event.Type, payload map[string]any, target *int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, t)
	p.data = append(p.data, payload)
	return nil
}

func (p *publishRecorder) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.got))
	copy(out, p.got)
	return out
}

func (p *publishRecorder) dataCopies() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.data))
	copy(out, p.data)
	return out
}

func (p *publishRecorder) has(t event.Type) bool {
	for _, g := range p.types() {
		if g == t {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEmitter(t *testing.T, stores *model.Stores, sessionID string, mode model.SessionMode) *emitter {
	t.Helper()
	err := stores.Sessions.Create(context.Background(), &model.Session{
		ID: sessionID, UserID: 1, MeshID: 1, NodeID: 1,
		Mode: mode, Status: model.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &emitter{stores: stores, userID: 1, sessionID: sessionID}
}

func sessionMessages(t *testing.T, stores *model.Stores, sessionID string) []*model.Message {
	t.Helper()
	msgs, err := stores.Messages.ListBySession(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestAgentSessionTurnPersistsStream(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s1", model.ModeChat)
	drv := driver.NewScripted([]driver.Fragment{
		{Kind: driver.FragmentThinking, Thinking: "hmm"},
		{Kind: driver.FragmentText, Text: "hello"},
		{Kind: driver.FragmentResult, Result: &driver.Result{
			Text: "hello", TotalCostUSD: 0.01,
			Usage: driver.Usage{InputTokens: 10, OutputTokens: 5},
		}},
	})
	rec := &publishRecorder{}
	sess := NewAgentSession("s1", model.ModeChat, drv, em, rec.publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.SendUserMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "assistant result", func() bool {
		msgs := sessionMessages(t, stores, "s1")
		return len(msgs) == 4 && msgs[3].Type == protocol.TypeAssistantResult
	})

	msgs := sessionMessages(t, stores, "s1")
	wantTypes := []string{
		protocol.TypeUserMessage,
		protocol.TypeAssistantThinking,
		protocol.TypeAssistantText,
		protocol.TypeAssistantResult,
	}
	for i, want := range wantTypes {
		if msgs[i].Type != want {
			t.Errorf("message %d type = %s, want %s", i, msgs[i].Type, want)
		}
		if msgs[i].Sequence != i+1 {
			t.Errorf("message %d sequence = %d, want %d", i, msgs[i].Sequence, i+1)
		}
	}

	got, err := stores.Sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalInputTokens != 10 || got.TotalOutputTokens != 5 {
		t.Errorf("usage = (%d, %d), want (10, 5)", got.TotalInputTokens, got.TotalOutputTokens)
	}

	// Chat mode publishes nothing.
	if n := len(rec.types()); n != 0 {
		t.Errorf("chat session published %d events, want 0", n)
	}

	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

func TestAgentSessionBackgroundPublishesLifecycle(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s2", model.ModeBackground)
	drv := driver.NewScripted(driver.TextTurn([]string{"working"}, driver.Result{Text: "done"}))
	rec := &publishRecorder{}
	sess := NewAgentSession("s2", model.ModeBackground, drv, em, rec.publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !rec.has(event.TypeSessionStart) {
		t.Error("background start did not publish session_start")
	}

	if err := sess.SendUserMessage(context.Background(), "task"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session_response", func() bool { return rec.has(event.TypeSessionResponse) })
	if !rec.has(event.TypeUserPromptSubmit) {
		t.Error("turn did not publish user_prompt_submit")
	}

	if err := sess.Close(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if !rec.has(event.TypeSessionEnd) {
		t.Error("graceful close did not publish session_end")
	}

	got, err := stores.Sessions.Get(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestAgentSessionForceCloseStaysSilent(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s3", model.ModeBackground)
	drv := driver.NewScripted(driver.TextTurn(nil, driver.Result{Text: "ok"}))
	rec := &publishRecorder{}
	sess := NewAgentSession("s3", model.ModeBackground, drv, em, rec.publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if rec.has(event.TypeSessionEnd) {
		t.Error("force close published session_end")
	}
	// Closing again is a no-op.
	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

func TestAgentSessionInterruptSuppressesResponse(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s4", model.ModeBackground)
	drv := driver.NewScripted(
		[]driver.Fragment{
			{Kind: driver.FragmentText, Text: "partial"},
			{Kind: driver.FragmentResult, Result: &driver.Result{Text: "never"}},
		},
		driver.TextTurn(nil, driver.Result{Text: "second"}),
	)
	drv.Gate = make(chan struct{})
	rec := &publishRecorder{}
	sess := NewAgentSession("s4", model.ModeBackground, drv, em, rec.publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.SendUserMessage(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	// Release the text fragment, then interrupt before the result.
	drv.Gate <- struct{}{}
	waitFor(t, "partial text", func() bool {
		return len(sessionMessages(t, stores, "s4")) >= 2
	})
	sess.Interrupt()
	// Closing the gate lets the driver reach its interrupt check and frees
	// every later fragment.
	close(drv.Gate)

	// A second turn proves the session recovered and the first turn produced
	// no session_response.
	if err := sess.SendUserMessage(context.Background(), "again"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second response", func() bool {
		for _, p := range rec.dataCopies() {
			if p != nil && p["response"] == "second" {
				return true
			}
		}
		return false
	})
	for _, p := range rec.dataCopies() {
		if p != nil && p["response"] == "never" {
			t.Error("interrupted turn still published its session_response")
		}
	}
}

func TestAgentSessionProcessEventsInOrder(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s5", model.ModeBackground)
	drv := driver.NewScripted(driver.TextTurn(nil, driver.Result{Text: "ack"}))
	rec := &publishRecorder{}
	sess := NewAgentSession("s5", model.ModeBackground, drv, em, rec.publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := event.NewEnvelope(event.TypeNodeMessage, 2, 1, "u", "s5", map[string]any{"message": "alpha"})
	second := event.NewEnvelope(event.TypeNodeMessage, 2, 1, "u", "s5", map[string]any{"message": "beta"})
	d1, err := sess.ProcessEvent(first)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := sess.ProcessEvent(second)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-d1:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never completed")
	}
	select {
	case <-d2:
	case <-time.After(2 * time.Second):
		t.Fatal("second event never completed")
	}

	msgs := sessionMessages(t, stores, "s5")
	var userTexts []string
	for _, m := range msgs {
		if m.Type == protocol.TypeUserMessage {
			userTexts = append(userTexts, m.Content)
		}
	}
	if len(userTexts) != 2 || userTexts[0] != "alpha" || userTexts[1] != "beta" {
		t.Errorf("user turns = %v, want [alpha beta]", userTexts)
	}
}

func TestAgentSessionRejectsAfterClose(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "s6", model.ModeChat)
	drv := driver.NewScripted(driver.TextTurn(nil, driver.Result{Text: "ok"}))
	sess := NewAgentSession("s6", model.ModeChat, drv, em, (&publishRecorder{}).publish, "")

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := sess.SendUserMessage(context.Background(), "late"); err != model.ErrSessionClosed {
		t.Errorf("SendUserMessage() = %v, want ErrSessionClosed", err)
	}
	env := event.NewEnvelope(event.TypeNodeMessage, 2, 1, "u", "s6", map[string]any{"message": "late"})
	if _, err := sess.ProcessEvent(env); err != model.ErrSessionClosed {
		t.Errorf("ProcessEvent() = %v, want ErrSessionClosed", err)
	}
}

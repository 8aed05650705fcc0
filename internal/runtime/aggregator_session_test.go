package runtime

import (
	"context"
	"testing"

	"github.com/renjiyun06/mosaic-sub001/internal/event"
	"github.com/renjiyun06/mosaic-sub001/internal/model"
	"github.com/renjiyun06/mosaic-sub001/internal/store/memory"
)

func TestAggregatorFlushesBatchOnClose(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "agg-1", model.ModeProgram)
	rec := &publishRecorder{}
	target := int64(7)
	sess := NewAggregatorSession("agg-1", em, rec.publish, &target)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		env := event.NewEnvelope(event.TypeSessionResponse, 2, 1, "up", "agg-1",
			map[string]any{"response": "r"})
		done, err := sess.ProcessEvent(env)
		if err != nil {
			t.Fatal(err)
		}
		if done != nil {
			t.Fatal("aggregator processing should be synchronous")
		}
	}

	if err := sess.Close(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	batches := rec.dataCopies()
	if len(batches) != 1 {
		t.Fatalf("published %d events, want 1 batch", len(batches))
	}
	if got := rec.types()[0]; got != event.TypeEventBatch {
		t.Errorf("published type = %s, want event_batch", got)
	}
	if count, _ := batches[0]["count"].(int); count != 3 {
		t.Errorf("batch count = %v, want 3", batches[0]["count"])
	}
	events, ok := batches[0]["events"].([]map[string]any)
	if !ok || len(events) != 3 {
		t.Fatalf("batch carries %T of len %d, want 3 events", batches[0]["events"], len(events))
	}

	s, err := stores.Sessions.Get(context.Background(), "agg-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.SessionClosed {
		t.Errorf("status = %s, want closed", s.Status)
	}
}

func TestAggregatorWithoutTargetDiscards(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "agg-2", model.ModeProgram)
	rec := &publishRecorder{}
	sess := NewAggregatorSession("agg-2", em, rec.publish, nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	env := event.NewEnvelope(event.TypeNodeMessage, 2, 1, "up", "agg-2",
		map[string]any{"message": "hi"})
	if _, err := sess.ProcessEvent(env); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.types()); n != 0 {
		t.Errorf("targetless aggregator published %d events, want 0", n)
	}
}

func TestAggregatorRejectsUserInteraction(t *testing.T) {
	stores := memory.New().Stores()
	em := newTestEmitter(t, stores, "agg-3", model.ModeProgram)
	sess := NewAggregatorSession("agg-3", em, (&publishRecorder{}).publish, nil)

	if err := sess.SendUserMessage(context.Background(), "hi"); err == nil {
		t.Error("user messages should be rejected")
	}
	if got := sess.Mode(); got != model.ModeProgram {
		t.Errorf("mode = %s, want program", got)
	}

	if err := sess.Close(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	env := event.NewEnvelope(event.TypeNodeMessage, 2, 1, "up", "agg-3",
		map[string]any{"message": "late"})
	if _, err := sess.ProcessEvent(env); err != model.ErrSessionClosed {
		t.Errorf("ProcessEvent after close = %v, want ErrSessionClosed", err)
	}
	// Double close is a no-op.
	if err := sess.Close(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

func newSession(t *testing.T, stores *model.Stores, id string) {
	t.Helper()
	err := stores.Sessions.Create(context.Background(), &model.Session{
		ID: id, UserID: 1, MeshID: 1, NodeID: 1,
		Mode: model.ModeChat, Status: model.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMessageAppendAssignsContiguousSequence(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()
	newSession(t, stores, "s1")

	for i := 1; i <= 5; i++ {
		saved, err := stores.Messages.Append(ctx, &model.Message{
			ID: "m" + string(rune('0'+i)), SessionID: "s1", Role: "user", Type: "user_message", Content: "x",
		})
		if err != nil {
			t.Fatal(err)
		}
		if saved.Sequence != i {
			t.Errorf("append %d assigned sequence %d", i, saved.Sequence)
		}
	}

	sess, err := stores.Sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 5 {
		t.Errorf("message_count = %d, want 5", sess.MessageCount)
	}
	if sess.LastActivityAt.IsZero() {
		t.Error("last_activity_at not stamped")
	}

	msgs, err := stores.Messages.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("listed position %d has sequence %d", i, m.Sequence)
		}
	}
}

func TestMessageAppendRequiresSession(t *testing.T) {
	stores := New().Stores()
	_, err := stores.Messages.Append(context.Background(), &model.Message{
		ID: "m1", SessionID: "ghost", Role: "user", Type: "user_message",
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Append() = %v, want ErrNotFound", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()
	newSession(t, stores, "s1")

	at := time.Now()
	if err := stores.Sessions.Close(ctx, "s1", at); err != nil {
		t.Fatal(err)
	}
	if err := stores.Sessions.Close(ctx, "s1", at.Add(time.Hour)); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}
	sess, err := stores.Sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != model.SessionClosed {
		t.Errorf("status = %s, want closed", sess.Status)
	}
	if sess.ClosedAt == nil {
		t.Fatal("closed_at not stamped")
	}

	if err := stores.Sessions.Close(ctx, "ghost", at); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("close missing = %v, want ErrNotFound", err)
	}
}

func TestSessionArchiveCycle(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()
	newSession(t, stores, "s1")

	if err := stores.Sessions.Archive(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	sess, _ := stores.Sessions.Get(ctx, "s1")
	if sess.Status != model.SessionArchived {
		t.Fatalf("status = %s, want archived", sess.Status)
	}

	// Unarchive lands on closed, never back on active.
	if err := stores.Sessions.Unarchive(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	sess, _ = stores.Sessions.Get(ctx, "s1")
	if sess.Status != model.SessionClosed {
		t.Errorf("status after unarchive = %s, want closed", sess.Status)
	}

	// Unarchiving a non-archived session is a no-op.
	if err := stores.Sessions.Unarchive(ctx, "s1"); err != nil {
		t.Errorf("unarchive of closed session = %v, want nil", err)
	}
	sess, _ = stores.Sessions.Get(ctx, "s1")
	if sess.Status != model.SessionClosed {
		t.Errorf("status = %s, want closed", sess.Status)
	}
}

func TestSessionAccumulateUsage(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()
	newSession(t, stores, "s1")

	if err := stores.Sessions.AccumulateUsage(ctx, "s1", 10, 5, 0.01); err != nil {
		t.Fatal(err)
	}
	if err := stores.Sessions.AccumulateUsage(ctx, "s1", 7, 3, 0.02); err != nil {
		t.Fatal(err)
	}
	sess, err := stores.Sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.TotalInputTokens != 17 || sess.TotalOutputTokens != 8 {
		t.Errorf("tokens = (%d, %d), want (17, 8)", sess.TotalInputTokens, sess.TotalOutputTokens)
	}
	if sess.TotalCostUSD < 0.029 || sess.TotalCostUSD > 0.031 {
		t.Errorf("cost = %f, want ~0.03", sess.TotalCostUSD)
	}
}

func TestSessionCreateDuplicateFails(t *testing.T) {
	stores := New().Stores()
	newSession(t, stores, "s1")
	err := stores.Sessions.Create(context.Background(), &model.Session{
		ID: "s1", UserID: 1, MeshID: 1, NodeID: 1, Mode: model.ModeChat, Status: model.SessionActive,
	})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}
}

func TestConnectionUniquePerEdge(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()

	first := &model.Connection{MeshID: 1, SourceNodeID: 1, TargetNodeID: 2, Alignment: model.AlignmentMirroring}
	if err := stores.Connections.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := &model.Connection{MeshID: 1, SourceNodeID: 1, TargetNodeID: 2, Alignment: model.AlignmentTasking}
	if err := stores.Connections.Create(ctx, dup); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("duplicate edge = %v, want ErrAlreadyExists", err)
	}

	// Reverse direction is a different edge.
	rev := &model.Connection{MeshID: 1, SourceNodeID: 2, TargetNodeID: 1, Alignment: model.AlignmentMirroring}
	if err := stores.Connections.Create(ctx, rev); err != nil {
		t.Errorf("reverse edge = %v, want nil", err)
	}

	// Soft delete frees the edge for re-creation.
	if err := stores.Connections.Delete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Connections.Get(ctx, 1, 1, 2); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	again := &model.Connection{MeshID: 1, SourceNodeID: 1, TargetNodeID: 2, Alignment: model.AlignmentTasking}
	if err := stores.Connections.Create(ctx, again); err != nil {
		t.Errorf("re-create after delete = %v, want nil", err)
	}
	got, err := stores.Connections.Get(ctx, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alignment != model.AlignmentTasking {
		t.Errorf("alignment = %s, want tasking", got.Alignment)
	}
}

func TestSubscriptionListBySourceEvent(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()

	rows := []*model.Subscription{
		{MeshID: 1, SourceNodeID: 1, TargetNodeID: 2, EventType: "session_response"},
		{MeshID: 1, SourceNodeID: 1, TargetNodeID: 3, EventType: "session_response"},
		{MeshID: 1, SourceNodeID: 1, TargetNodeID: 2, EventType: "node_message"},
		{MeshID: 1, SourceNodeID: 2, TargetNodeID: 3, EventType: "session_response"},
		{MeshID: 2, SourceNodeID: 1, TargetNodeID: 2, EventType: "session_response"},
	}
	for _, s := range rows {
		if err := stores.Subscriptions.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	got, err := stores.Subscriptions.ListBySourceEvent(ctx, 1, 1, "session_response")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("matched %d subscriptions, want 2", len(got))
	}
	for _, s := range got {
		if s.MeshID != 1 || s.SourceNodeID != 1 || s.EventType != "session_response" {
			t.Errorf("unexpected row %+v", s)
		}
	}

	if err := stores.Subscriptions.Delete(ctx, rows[0].ID); err != nil {
		t.Fatal(err)
	}
	got, err = stores.Subscriptions.ListBySourceEvent(ctx, 1, 1, "session_response")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("matched %d subscriptions after delete, want 1", len(got))
	}
}

func TestMeshAndNodeSoftDelete(t *testing.T) {
	stores := New().Stores()
	ctx := context.Background()

	mesh := &model.Mesh{UserID: 1, Name: "m"}
	if err := stores.Meshes.Create(ctx, mesh); err != nil {
		t.Fatal(err)
	}
	node := &model.Node{MeshID: mesh.ID, UserID: 1, Type: "agent"}
	if err := stores.Nodes.Create(ctx, node); err != nil {
		t.Fatal(err)
	}

	if err := stores.Nodes.Delete(ctx, node.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Nodes.Get(ctx, node.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("get deleted node = %v, want ErrNotFound", err)
	}
	listed, err := stores.Nodes.ListByMesh(ctx, mesh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Errorf("listed %d nodes after delete, want 0", len(listed))
	}

	if err := stores.Meshes.Delete(ctx, mesh.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Meshes.Get(ctx, mesh.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("get deleted mesh = %v, want ErrNotFound", err)
	}
}

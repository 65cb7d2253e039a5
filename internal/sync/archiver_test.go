package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/kv"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/matheus3301/boostsync/internal/store"
)

type archiverFixture struct {
	db   *store.DB
	bus  *bus.Bus
	st   *status.Reconciler
	msgs *chat.Reconciler
	arch *archive.Store
	a    *Archiver
}

func newArchiverFixture(t *testing.T) *archiverFixture {
	t.Helper()
	f := &archiverFixture{db: testDB(t), bus: bus.New()}
	f.st = status.NewReconciler(status.DefaultConfig(), f.bus, nil)
	f.msgs = chat.NewReconciler(chat.Config{UserID: "me"}, nil, f.bus, nil)
	f.arch = archive.New(archive.Config{}, kv.NewGuard(kv.NewMemory(), nil), f.bus, nil)
	f.a = NewArchiver(f.db, f.msgs, f.arch, "me", f.bus, nil)

	for _, c := range []*chat.Conversation{
		{ID: "c1", OrderID: "p1", Participants: []string{"me", "booster"}},
		{ID: "c2", OrderID: "p2", Participants: []string{"me", "seller"}},
	} {
		if err := f.db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}
	f.msgs.Reconcile(chat.Message{ID: "m1", ConversationID: "c1", Content: "boost finished"})
	return f
}

func TestCompletedOrderArchivesConversation(t *testing.T) {
	f := newArchiverFixture(t)
	f.a.Start(context.Background())
	defer f.a.Stop()

	f.st.Set("p1", order.Shipped, order.Payload{}, order.SourceWebSocket)
	f.st.Set("p1", order.Completed, order.Payload{}, order.SourceWebSocket)

	eventually(t, func() bool { return f.arch.IsArchived("c1") }, "conversation of completed order not archived")

	e, _ := f.arch.Get("c1")
	if e.Snapshot.Status != chat.ConversationCompleted {
		t.Errorf("snapshot status = %s, want completed", e.Snapshot.Status)
	}
	if len(e.Messages) != 1 || e.ArchivedBy != "me" {
		t.Errorf("entry = %+v", e)
	}
	eventually(t, func() bool {
		live, _ := f.db.ListConversations(10, 0)
		return len(live) == 1 && live[0].ID == "c2"
	}, "closed conversation still in the live list")
	if f.arch.IsArchived("c2") {
		t.Error("conversation of an open order archived")
	}
}

func TestOrderSettledOnlyOnce(t *testing.T) {
	f := newArchiverFixture(t)

	if n := f.a.OrderSettled(order.Entry{EntityID: "p1", Status: order.Shipped}); n != 0 {
		t.Errorf("non-terminal status closed %d conversations", n)
	}
	if n := f.a.OrderSettled(order.Entry{EntityID: "p1", Status: order.Completed}); n != 1 {
		t.Fatalf("closed %d conversations, want 1", n)
	}
	first, _ := f.arch.Get("c1")

	// A later cancelled push must not rewrite the archived snapshot.
	if n := f.a.OrderSettled(order.Entry{EntityID: "p1", Status: order.Cancelled}); n != 0 {
		t.Errorf("re-closed %d conversations", n)
	}
	again, _ := f.arch.Get("c1")
	if !again.ArchivedAt.Equal(first.ArchivedAt) {
		t.Error("archived entry rewritten")
	}
}

func TestCloseBlocked(t *testing.T) {
	f := newArchiverFixture(t)

	e, err := f.a.Close("c2", chat.ConversationBlocked)
	if err != nil {
		t.Fatal(err)
	}
	if e.Snapshot.Status != chat.ConversationBlocked || e.Snapshot.OrderID != "p2" {
		t.Errorf("snapshot = %+v", e.Snapshot)
	}
	conv, err := f.db.GetConversation("c2")
	if err != nil || conv == nil {
		t.Fatalf("GetConversation = %v, %v", conv, err)
	}
	if conv.Status != chat.ConversationBlocked {
		t.Errorf("stored status = %s, want blocked", conv.Status)
	}

	if _, err := f.a.Close("c2", chat.ConversationActive); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("Close(active) = %v, want ErrNotTerminal", err)
	}
	if _, err := f.a.Close("ghost", chat.ConversationCompleted); !errors.Is(err, ErrNoConversation) {
		t.Errorf("Close(ghost) = %v, want ErrNoConversation", err)
	}
}

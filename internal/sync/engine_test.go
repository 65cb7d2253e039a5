package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/kv"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/push"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/matheus3301/boostsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSuperseder struct{ ids []string }

func (f *fakeSuperseder) Supersede(id string) bool {
	f.ids = append(f.ids, id)
	return true
}

type fakePages struct {
	msgs []chat.Message
	err  error
}

func (f *fakePages) FetchMessages(_ context.Context, _ string) ([]chat.Message, error) {
	return f.msgs, f.err
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineApplyStatusSupersedesFetch(t *testing.T) {
	st := status.NewReconciler(status.DefaultConfig(), nil, nil)
	sup := &fakeSuperseder{}
	e := NewEngine(st, chat.NewReconciler(chat.Config{}, nil, nil, nil), sup, nil, bus.New(), nil)

	st.Set("p1", order.Initiated, order.Payload{}, order.SourceAPI)
	if !e.ApplyStatus(order.Update{EntityID: "p1", Status: order.Shipped}) {
		t.Fatal("websocket write should always be accepted")
	}
	if len(sup.ids) != 1 || sup.ids[0] != "p1" {
		t.Errorf("superseded = %v, want [p1]", sup.ids)
	}
	entry, ok := st.Get("p1")
	if !ok || entry.Source != order.SourceWebSocket || entry.Status != order.Shipped {
		t.Errorf("got %+v", entry)
	}
}

func TestPushBurstReachesReconcilers(t *testing.T) {
	b := bus.New()
	st := status.NewReconciler(status.DefaultConfig(), b, nil)
	msgs := chat.NewReconciler(chat.Config{UserID: "me"}, nil, b, nil)
	e := NewEngine(st, msgs, nil, nil, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	// A slow consumer with a tiny buffer must not cost the engine anything.
	_, unsub := b.Subscribe("push.", 1)
	defer unsub()

	h := push.NewHandler(e, b, nil)
	const n = 5000
	for i := range n {
		frame := fmt.Sprintf(`{"type":"order_status","data":{"entityId":"p%d","status":"shipped"}}`, i)
		if err := h.Handle([]byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
	for i := range 500 {
		frame := fmt.Sprintf(`{"type":"message","data":{"_id":"m%d","conversationId":"c1","content":"x"}}`, i)
		if err := h.Handle([]byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	if got := st.Len(); got != n {
		t.Errorf("cached %d statuses, want %d (bus dropped %d)", got, n, b.Dropped())
	}
	entry, ok := st.Get("p4999")
	if !ok || entry.Source != order.SourceWebSocket {
		t.Errorf("p4999 = %+v, %v; want websocket entry", entry, ok)
	}
	if got := len(msgs.Messages("c1")); got != 500 {
		t.Errorf("reconciled %d messages, want 500", got)
	}
}

func TestEngineIgnoresBusCopies(t *testing.T) {
	b := bus.New()
	st := status.NewReconciler(status.DefaultConfig(), b, nil)
	e := NewEngine(st, chat.NewReconciler(chat.Config{}, nil, b, nil), nil, nil, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.NewEvent(bus.PushOrderStatus, order.Update{EntityID: "p1", Status: order.Shipped}))
	b.Publish(bus.NewEvent(bus.PushConnected, "ws://example"))
	time.Sleep(20 * time.Millisecond)
	if st.Len() != 0 {
		t.Error("bus copy of a push frame was applied a second time")
	}
}

func TestEngineRefreshMessages(t *testing.T) {
	msgs := chat.NewReconciler(chat.Config{}, nil, nil, nil)
	pages := &fakePages{msgs: []chat.Message{
		{ID: "m1", ConversationID: "c1", Content: "a"},
		{ID: "m2", ConversationID: "c1", Content: "b"},
	}}
	e := NewEngine(status.NewReconciler(status.DefaultConfig(), nil, nil), msgs, nil, pages, bus.New(), nil)

	// m1 already arrived via push.
	msgs.Reconcile(chat.Message{ID: "m1", ConversationID: "c1", Content: "a"})

	n, err := e.RefreshMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(msgs.Messages("c1")); got != 2 {
		t.Errorf("got %d messages, want 2 (push + REST collapse)", got)
	}
	if n < 1 {
		t.Errorf("changed = %d, want at least the new message", n)
	}

	pages.err = errors.New("boom")
	if _, err := e.RefreshMessages(context.Background(), "c1"); err == nil {
		t.Error("expected fetch error")
	}
}

func TestJournalRecord(t *testing.T) {
	db := testDB(t)
	j := NewJournal(db, kv.NewGuard(db, nil), bus.New(), nil)
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	pending := chat.Message{ID: "t1", TempID: "t1", ConversationID: "c1", Content: "hello", Status: chat.StatusSending, CreatedAt: at}
	if err := j.Record(pending); err != nil {
		t.Fatal(err)
	}
	confirmed := pending
	confirmed.ID = "m1"
	confirmed.Status = chat.StatusSent
	if err := j.Record(confirmed); err != nil {
		t.Fatal(err)
	}

	stored, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != "m1" {
		t.Fatalf("got %+v, want only m1", stored)
	}

	conv, err := db.GetConversation("c1")
	if err != nil || conv == nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.LastMessage != "hello" {
		t.Errorf("last message = %q", conv.LastMessage)
	}

	last, ok := j.LastMessage("c1")
	if !ok || last.ID != "m1" {
		t.Errorf("last message cache = %+v, %v", last, ok)
	}

	// An older message does not replace the cache.
	if err := j.Record(chat.Message{ID: "m0", ConversationID: "c1", CreatedAt: at.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	last, _ = j.LastMessage("c1")
	if last.ID != "m1" {
		t.Errorf("cache regressed to %s", last.ID)
	}
}

func TestJournalCacheFailureSwallowed(t *testing.T) {
	mem := kv.NewMemory()
	mem.Fail(errors.New("quota exceeded"))
	j := NewJournal(nil, kv.NewGuard(mem, nil), bus.New(), nil)

	if err := j.Record(chat.Message{ID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatalf("cache failure must not surface: %v", err)
	}
	if _, ok := j.LastMessage("c1"); ok {
		t.Error("nothing should be cached")
	}
}

func TestJournalBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	j := NewJournal(db, kv.NewGuard(kv.NewMemory(), nil), b, nil)
	j.Start(context.Background())
	defer j.Stop()

	msgs := chat.NewReconciler(chat.Config{UserID: "me"}, nil, b, nil)
	msgs.Reconcile(chat.Message{ID: "m1", ConversationID: "bus-test", Content: "from bus"})
	b.Publish(bus.NewEvent(bus.MessageFailed, chat.FailedEvent{
		Message: chat.Message{ID: "t9", TempID: "t9", ConversationID: "bus-test", Status: chat.StatusFailed},
		Err:     "timeout",
	}))

	eventually(t, func() bool {
		stored, _ := db.ListMessages("bus-test", 0, 10)
		return len(stored) == 2
	}, "journal did not persist both messages")
}

func TestJournalBurstNotDropped(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	j := NewJournal(db, kv.NewGuard(kv.NewMemory(), nil), b, nil)
	j.Start(context.Background())
	defer j.Stop()

	const n = 1000
	for i := range n {
		b.Publish(bus.NewEvent(bus.MessageReconciled, chat.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "burst",
			Content:        "spam",
			Status:         chat.StatusSent,
			CreatedAt:      time.UnixMilli(int64(i + 1)),
		}))
	}

	deadline := time.Now().Add(15 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = 'burst'`).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count == n {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if count != n {
		t.Fatalf("journaled %d of %d messages", count, n)
	}
	if b.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", b.Dropped())
	}
	eventually(t, func() bool {
		last, ok := j.LastMessage("burst")
		return ok && last.ID == "m999"
	}, "last-message cache did not reach the newest message")
}


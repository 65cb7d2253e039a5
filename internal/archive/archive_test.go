package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, mem *kv.Memory, b *bus.Bus) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return New(Config{Now: c.Now}, kv.NewGuard(mem, nil), b, nil), c
}

func conv(id string, participants ...string) chat.Conversation {
	return chat.Conversation{ID: id, Participants: participants, Status: chat.ConversationCompleted}
}

func TestArchiveExpiry(t *testing.T) {
	s, c := newTestStore(t, kv.NewMemory(), nil)

	e := s.Archive("c1", conv("c1", "buyer", "seller"), []chat.Message{{ID: "m1", ConversationID: "c1"}}, "buyer")
	assert.Equal(t, e.ArchivedAt.Add(7*24*time.Hour), e.ExpiresAt)
	assert.True(t, s.IsArchived("c1"))

	c.now = e.ExpiresAt
	assert.True(t, s.IsArchived("c1"), "entry is live up to its expiry instant")

	c.Advance(time.Millisecond)
	_, ok := s.Get("c1")
	assert.False(t, ok)
	assert.False(t, s.IsArchived("c1"))
	assert.Empty(t, s.GetAll("buyer"))
}

func TestArchiveOverwrites(t *testing.T) {
	s, c := newTestStore(t, kv.NewMemory(), nil)
	s.Archive("c1", conv("c1", "a"), nil, "a")
	c.Advance(time.Hour)
	second := s.Archive("c1", conv("c1", "a"), []chat.Message{{ID: "m2"}}, "a")

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, second.ArchivedAt, got.ArchivedAt)
	assert.Len(t, got.Messages, 1)
	assert.Equal(t, 1, s.Len())
}

func TestGetAllVisibilityAndOrder(t *testing.T) {
	s, c := newTestStore(t, kv.NewMemory(), nil)
	s.Archive("c1", conv("c1", "alice", "bob"), nil, "alice")
	c.Advance(time.Minute)
	s.Archive("c2", conv("c2", "carol", "dave"), nil, "carol")
	c.Advance(time.Minute)
	s.Archive("c3", conv("c3", "bob", "erin"), nil, "erin")
	c.Advance(time.Minute)
	// Archived by a moderator who is not a participant.
	s.Archive("c4", conv("c4", "frank"), nil, "bob")

	got := s.GetAll("bob")
	require.Len(t, got, 3)
	assert.Equal(t, "c4", got[0].ConversationID)
	assert.Equal(t, "c3", got[1].ConversationID)
	assert.Equal(t, "c1", got[2].ConversationID)

	assert.Len(t, s.GetAll("carol"), 1)
	assert.Empty(t, s.GetAll("mallory"))
}

func TestGetAllCompactsPersistedStore(t *testing.T) {
	mem := kv.NewMemory()
	s, c := newTestStore(t, mem, nil)
	s.Archive("old", conv("old", "u"), nil, "u")
	c.Advance(6 * 24 * time.Hour)
	s.Archive("new", conv("new", "u"), nil, "u")
	c.Advance(36 * time.Hour)

	got := s.GetAll("u")
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ConversationID)

	raw, ok, err := mem.Get(StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	var persisted []Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "new", persisted[0].ConversationID)
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("archive.expired", 4)
	defer unsub()

	s, c := newTestStore(t, kv.NewMemory(), b)
	s.Archive("c1", conv("c1"), nil, "u")
	s.Archive("c2", conv("c2"), nil, "u")
	c.Advance(8 * 24 * time.Hour)

	assert.Equal(t, 2, s.CleanupExpired())
	assert.Equal(t, 0, s.CleanupExpired())
	assert.Equal(t, 0, s.Len())

	for range 2 {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for archive.expired")
		}
	}
}

func TestReloadFromPersistentStore(t *testing.T) {
	mem := kv.NewMemory()
	s, c := newTestStore(t, mem, nil)
	s.Archive("c1", conv("c1", "u"), []chat.Message{{ID: "m1", Content: "gg"}}, "u")

	reloaded := New(Config{Now: c.Now}, kv.NewGuard(mem, nil), nil, nil)
	got, ok := reloaded.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "gg", got.Messages[0].Content)

	c.Advance(8 * 24 * time.Hour)
	expired := New(Config{Now: c.Now}, kv.NewGuard(mem, nil), nil, nil)
	assert.Equal(t, 0, expired.Len(), "expired entries are skipped on load")
}

func TestCorruptDocumentTreatedAsEmpty(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(StorageKey, "{not json"))

	s, _ := newTestStore(t, mem, nil)
	assert.Equal(t, 0, s.Len())

	s.Archive("c1", conv("c1"), nil, "u")
	raw, _, _ := mem.Get(StorageKey)
	assert.True(t, json.Valid([]byte(raw)), "next write replaces the corrupt document")
}

func TestStoreFailureSwallowed(t *testing.T) {
	mem := kv.NewMemory()
	mem.Fail(errors.New("quota exceeded"))
	s, _ := newTestStore(t, mem, nil)

	s.Archive("c1", conv("c1", "u"), nil, "u")
	assert.True(t, s.IsArchived("c1"), "memory stays authoritative when persistence fails")
	assert.Len(t, s.GetAll("u"), 1)
}

func TestRemove(t *testing.T) {
	mem := kv.NewMemory()
	s, _ := newTestStore(t, mem, nil)
	s.Archive("c1", conv("c1"), nil, "u")

	assert.True(t, s.Remove("c1"))
	assert.False(t, s.Remove("c1"))
	assert.False(t, s.IsArchived("c1"))

	_, ok, err := mem.Get(StorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "empty archive removes the document")
}

// gatedStore blocks every Set until the gate is opened.
type gatedStore struct {
	*kv.Memory
	gate chan struct{}
}

func (g *gatedStore) Set(key, value string) error {
	<-g.gate
	return g.Memory.Set(key, value)
}

func TestArchiveDoesNotWaitOnPersistence(t *testing.T) {
	store := &gatedStore{Memory: kv.NewMemory(), gate: make(chan struct{})}
	s := New(Config{}, kv.NewGuard(store, nil), nil, nil)
	s.Start(context.Background())

	done := make(chan Entry, 1)
	go func() { done <- s.Archive("c1", conv("c1", "u"), nil, "u") }()
	select {
	case e := <-done:
		assert.Equal(t, "c1", e.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("Archive blocked on the persistent store")
	}
	assert.True(t, s.IsArchived("c1"))

	close(store.gate)
	s.Stop()

	raw, ok, err := store.Memory.Get(StorageKey)
	require.NoError(t, err)
	require.True(t, ok, "Stop flushes the pending document")
	assert.Contains(t, raw, `"conversationId":"c1"`)
}

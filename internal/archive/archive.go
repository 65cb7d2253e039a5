// Package archive keeps snapshots of finished conversations for a bounded
// retention period. Expired entries are invisible to every read and are
// compacted out of the persistent store lazily.
package archive

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/kv"
	"go.uber.org/zap"
)

// StorageKey is the persistent-store key holding the archive document.
const StorageKey = "archived_conversations"

// Retention is how long an archived conversation stays readable. It is
// fixed: every entry expires exactly seven days after it was archived.
const Retention = 7 * 24 * time.Hour

// Entry is one archived conversation.
type Entry struct {
	ConversationID string            `json:"conversationId"`
	Snapshot       chat.Conversation `json:"conversationSnapshot"`
	Messages       []chat.Message    `json:"messages"`
	ArchivedAt     time.Time         `json:"archivedAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	ArchivedBy     string            `json:"archivedBy"`
}

// VisibleTo reports whether userID archived the conversation or takes part
// in it.
func (e Entry) VisibleTo(userID string) bool {
	return e.ArchivedBy == userID || e.Snapshot.HasParticipant(userID)
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Config configures a Store.
type Config struct {
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Store is the archive. The in-memory set is authoritative for the session;
// the persistent copy is written through a kv.Guard and may silently lag.
// Between Start and Stop the writes happen on a background goroutine;
// otherwise they are made inline.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	version uint64

	saveMu sync.Mutex
	saved  uint64 // version of the last persisted document

	pendMu  sync.Mutex
	pending *document
	wake    chan struct{} // nil while no writer runs
	cancel  context.CancelFunc
	done    chan struct{}

	persist *kv.Guard
	cfg     Config
	bus     *bus.Bus
	logger  *zap.Logger
}

// New loads the archive from persist. An unreadable or corrupt document
// yields an empty archive.
func New(cfg Config, persist *kv.Guard, b *bus.Bus, logger *zap.Logger) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if persist == nil {
		persist = kv.NewGuard(nil, logger)
	}
	s := &Store{
		entries: make(map[string]Entry),
		persist: persist,
		cfg:     cfg,
		bus:     b,
		logger:  logger,
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, ok := s.persist.Get(StorageKey)
	if !ok || raw == "" {
		return
	}
	var list []Entry
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.logger.Warn("corrupt archive document ignored", zap.Error(err))
		return
	}
	now := s.cfg.Now()
	for _, e := range list {
		if e.ConversationID == "" || e.expired(now) {
			continue
		}
		s.entries[e.ConversationID] = e
	}
	s.logger.Debug("archive loaded", zap.Int("entries", len(s.entries)), zap.Int("stored", len(list)))
}

// Archive stores a conversation snapshot, replacing any earlier entry for
// the same conversation.
func (s *Store) Archive(conversationID string, snapshot chat.Conversation, messages []chat.Message, userID string) Entry {
	now := s.cfg.Now()
	e := Entry{
		ConversationID: conversationID,
		Snapshot:       snapshot,
		Messages:       slices.Clone(messages),
		ArchivedAt:     now,
		ExpiresAt:      now.Add(Retention),
		ArchivedBy:     userID,
	}

	s.mu.Lock()
	s.entries[conversationID] = e
	doc := s.documentLocked()
	s.mu.Unlock()

	s.queueSave(doc)
	s.logger.Info("conversation archived",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(messages)),
		zap.Time("expires_at", e.ExpiresAt))
	s.bus.Publish(bus.NewEvent(bus.ArchiveAdded, e))
	return e
}

// GetAll returns the live entries visible to userID, newest first. Opening
// the archive view compacts expired entries out of the store.
func (s *Store) GetAll(userID string) []Entry {
	s.CleanupExpired()

	s.mu.Lock()
	var out []Entry
	for _, e := range s.entries {
		if e.VisibleTo(userID) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return b.ArchivedAt.Compare(a.ArchivedAt) })
	return out
}

// Get returns the live entry for a conversation.
func (s *Store) Get(conversationID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok || e.expired(s.cfg.Now()) {
		return Entry{}, false
	}
	return e, true
}

// IsArchived reports whether a live entry exists for the conversation.
func (s *Store) IsArchived(conversationID string) bool {
	_, ok := s.Get(conversationID)
	return ok
}

// Remove deletes an entry; it reports whether one existed.
func (s *Store) Remove(conversationID string) bool {
	s.mu.Lock()
	_, ok := s.entries[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, conversationID)
	doc := s.documentLocked()
	s.mu.Unlock()

	s.queueSave(doc)
	s.bus.Publish(bus.NewEvent(bus.ArchiveRemoved, conversationID))
	return true
}

// CleanupExpired drops every expired entry and returns how many were
// removed. The persistent copy is rewritten only when something changed.
func (s *Store) CleanupExpired() int {
	now := s.cfg.Now()

	s.mu.Lock()
	var removed []string
	for id, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	var doc document
	if len(removed) > 0 {
		doc = s.documentLocked()
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	s.queueSave(doc)
	for _, id := range removed {
		s.bus.Publish(bus.NewEvent(bus.ArchiveExpired, id))
	}
	s.logger.Debug("expired archive entries removed", zap.Int("count", len(removed)))
	return len(removed)
}

// Len returns the number of entries held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type document struct {
	version uint64
	entries []Entry
}

// documentLocked snapshots the entries in archival order. Must hold s.mu.
func (s *Store) documentLocked() document {
	s.version++
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b Entry) int { return a.ArchivedAt.Compare(b.ArchivedAt) })
	return document{version: s.version, entries: list}
}

// Start runs the background writer.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.pendMu.Lock()
	s.wake = make(chan struct{}, 1)
	s.pendMu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.wake:
				s.flush()
			case <-ctx.Done():
				s.flush()
				return
			}
		}
	}()
}

// Stop writes the latest pending document and stops the writer. Later
// writes are made inline.
func (s *Store) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.pendMu.Lock()
	s.wake = nil
	s.pendMu.Unlock()
	s.flush()
}

// queueSave hands doc to the writer, keeping only the newest document.
func (s *Store) queueSave(doc document) {
	s.pendMu.Lock()
	if s.wake == nil {
		s.pendMu.Unlock()
		s.save(doc)
		return
	}
	if s.pending == nil || doc.version > s.pending.version {
		s.pending = &doc
	}
	s.pendMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) flush() {
	s.pendMu.Lock()
	doc := s.pending
	s.pending = nil
	s.pendMu.Unlock()
	if doc != nil {
		s.save(*doc)
	}
}

// save writes doc unless a newer document was already written.
func (s *Store) save(doc document) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if doc.version <= s.saved {
		return
	}
	s.saved = doc.version

	if len(doc.entries) == 0 {
		s.persist.Remove(StorageKey)
		return
	}
	data, err := json.Marshal(doc.entries)
	if err != nil {
		s.logger.Warn("archive encode failed", zap.Error(err))
		return
	}
	s.persist.Set(StorageKey, string(data))
}

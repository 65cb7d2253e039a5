package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/kv"
	"go.uber.org/zap"
)

// previewLen bounds the last-message preview kept per conversation.
const previewLen = 100

// LastMessageKey is the persistent-store key of a conversation's last
// message cache.
func LastMessageKey(conversationID string) string {
	return "last_message:" + conversationID
}

// MessageSink is where the journal writes reconciled messages.
type MessageSink interface {
	UpsertMessage(m *chat.Message) error
	TouchConversation(id, lastMessage string, at time.Time) error
}

// Journal persists reconciled messages in the background. It holds a queued
// subscription to "message.*" events, so the in-memory update that published
// an event never waits on disk and no event is skipped.
type Journal struct {
	sink   MessageSink
	cache  *kv.Guard
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournal creates a journal. sink may be nil when only the cache is kept.
func NewJournal(sink MessageSink, cache *kv.Guard, b *bus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = kv.NewGuard(nil, logger)
	}
	return &Journal{sink: sink, cache: cache, bus: b, logger: logger}
}

// Start subscribes to message events on the bus.
func (j *Journal) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	ch, unsub := j.bus.SubscribeQueued("message.")

	go func() {
		defer close(j.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				j.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the journal and waits for the event loop to exit.
func (j *Journal) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

func (j *Journal) handleEvent(evt bus.Event) {
	var m chat.Message
	switch p := evt.Payload.(type) {
	case chat.Message:
		m = p
	case chat.FailedEvent:
		m = p.Message
	default:
		return
	}
	if err := j.Record(m); err != nil {
		j.logger.Error("failed to journal message", zap.Error(err), zap.String("msg_id", m.ID))
	}
}

// Record writes one message and, when it is the newest seen for its
// conversation, the last-message cache.
func (j *Journal) Record(m chat.Message) error {
	if j.sink != nil {
		if err := j.sink.UpsertMessage(&m); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		if err := j.sink.TouchConversation(m.ConversationID, truncate(m.Content, previewLen), m.CreatedAt); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
	}

	if last, ok := j.LastMessage(m.ConversationID); ok && last.CreatedAt.After(m.CreatedAt) {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode last message: %w", err)
	}
	j.cache.Set(LastMessageKey(m.ConversationID), string(data))
	return nil
}

// LastMessage returns the cached last message of a conversation.
func (j *Journal) LastMessage(conversationID string) (chat.Message, bool) {
	raw, ok := j.cache.Get(LastMessageKey(conversationID))
	if !ok {
		return chat.Message{}, false
	}
	var m chat.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		j.logger.Debug("corrupt last-message cache ignored", zap.String("conversation_id", conversationID))
		return chat.Message{}, false
	}
	return m, true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

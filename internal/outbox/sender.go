// Package outbox delivers optimistic chat messages in the background so the
// caller that registered them never waits on the network.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/store"
	"go.uber.org/zap"
)

// DefaultInterval is how often the sender re-scans for pending messages
// when nothing woke it.
const DefaultInterval = 500 * time.Millisecond

// Journal records outgoing messages so a restart can resume unsent ones.
// store.DB implements it.
type Journal interface {
	QueueOutbox(out chat.Outgoing, createdAt time.Time) error
	MarkOutboxSending(tempID string) error
	MarkOutboxSent(tempID, serverMsgID string) error
	MarkOutboxFailed(tempID, errMsg string) error
	PendingOutbox() ([]store.OutboxEntry, error)
}

// Sender drains pending optimistic messages through the message reconciler,
// one at a time and in creation order. Retries are user-triggered and run
// on the same loop.
type Sender struct {
	messages *chat.Reconciler
	journal  Journal
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	retries []string
	queued  []queuedSend
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// queuedSend is an optimistic message whose journal row is not written yet.
type queuedSend struct {
	out chat.Outgoing
	at  time.Time
}

// NewSender creates a new outbox sender. journal may be nil.
func NewSender(messages *chat.Reconciler, journal Journal, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		messages: messages,
		journal:  journal,
		logger:   logger,
		interval: DefaultInterval,
		wake:     make(chan struct{}, 1),
	}
}

// Send registers a message optimistically and schedules its delivery. The
// returned temp id identifies it until the server assigns a permanent id.
// The journal row is written by the delivery loop, never on this path.
func (s *Sender) Send(conversationID, content string, kind chat.Kind) string {
	s.mu.Lock()
	tempID := s.messages.AddOptimistic(conversationID, content, kind)
	if s.journal != nil {
		m, _ := s.messages.Get(tempID)
		s.queued = append(s.queued, queuedSend{
			out: chat.Outgoing{ConversationID: conversationID, TempID: tempID, Content: content, Kind: m.Kind},
			at:  m.CreatedAt,
		})
	}
	s.mu.Unlock()
	s.notify()
	return tempID
}

// Retry schedules one re-send of a failed message. It fails fast when the
// message is unknown or not in a retryable state.
func (s *Sender) Retry(id string) error {
	m, ok := s.messages.Get(id)
	if !ok {
		return chat.ErrNotFound
	}
	if m.Confirmed() || m.Status != chat.StatusFailed {
		return chat.ErrNotRetryable
	}
	s.mu.Lock()
	s.retries = append(s.retries, m.TempID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Start resumes messages journaled by an earlier run and begins the
// delivery loop.
func (s *Sender) Start(ctx context.Context) {
	s.restore()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop. A send already in progress is allowed to
// finish before Stop returns.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sender) restore() {
	if s.journal == nil {
		return
	}
	pending, err := s.journal.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	restored := 0
	for _, e := range pending {
		out := chat.Outgoing{ConversationID: e.ConversationID, TempID: e.TempID, Content: e.Content, Kind: e.Kind}
		if s.messages.Restore(out, e.CreatedAt) {
			restored++
		}
	}
	if restored > 0 {
		s.logger.Info("resumed unsent messages", zap.Int("count", restored))
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.processPending(ctx)
	for {
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			s.writeQueued(s.takeQueued())
			return
		}
		s.processRetries(ctx)
		s.processPending(ctx)
	}
}

// sendCtx detaches a send from loop shutdown so Stop never leaves a message
// stuck half-sent.
func sendCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// takeQueued hands over the journal rows still to write.
func (s *Sender) takeQueued() []queuedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued
	s.queued = nil
	return q
}

func (s *Sender) writeQueued(q []queuedSend) {
	for _, e := range q {
		if err := s.journal.QueueOutbox(e.out, e.at); err != nil {
			s.logger.Warn("failed to journal outgoing message", zap.Error(err), zap.String("temp_id", e.out.TempID))
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	// Taken together so every pending message has its row written before
	// delivery is attempted.
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	pending := s.messages.Pending()
	s.mu.Unlock()
	s.writeQueued(queued)

	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		s.mark(m.TempID, func(j Journal) error { return j.MarkOutboxSending(m.TempID) })
		err := s.messages.Deliver(sendCtx(ctx), m.TempID)
		if err != nil && errors.Is(err, chat.ErrNotFound) {
			continue
		}
		s.record(m.TempID, err)
	}
}

func (s *Sender) processRetries(ctx context.Context) {
	s.mu.Lock()
	retries := s.retries
	s.retries = nil
	s.mu.Unlock()

	for _, id := range retries {
		if ctx.Err() != nil {
			return
		}
		s.mark(id, func(j Journal) error { return j.MarkOutboxSending(id) })
		err := s.messages.Retry(sendCtx(ctx), id)
		if errors.Is(err, chat.ErrNotRetryable) || errors.Is(err, chat.ErrNotFound) {
			s.logger.Debug("retry skipped", zap.String("id", id), zap.Error(err))
			continue
		}
		s.record(id, err)
	}
}

// record journals the outcome of a send attempt.
func (s *Sender) record(tempID string, sendErr error) {
	if sendErr != nil {
		s.logger.Warn("message delivery failed", zap.String("temp_id", tempID), zap.Error(sendErr))
		s.mark(tempID, func(j Journal) error { return j.MarkOutboxFailed(tempID, sendErr.Error()) })
		return
	}
	m, _ := s.messages.Get(tempID)
	serverID := ""
	if m.Confirmed() {
		serverID = m.ID
	}
	s.mark(tempID, func(j Journal) error { return j.MarkOutboxSent(tempID, serverID) })
}

func (s *Sender) mark(tempID string, fn func(Journal) error) {
	if s.journal == nil {
		return
	}
	if err := fn(s.journal); err != nil {
		s.logger.Error("failed to update outbox", zap.Error(err), zap.String("temp_id", tempID))
	}
}

package chat

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/boostsync/internal/bus"
	"go.uber.org/zap"
)

// fallbackPrefixLen is how much content goes into a fallback dedup key.
const fallbackPrefixLen = 32

// Transport delivers a message to the server and returns the server's
// acknowledgment.
type Transport interface {
	Send(ctx context.Context, out Outgoing) (Message, error)
}

// Config configures a Reconciler.
type Config struct {
	// UserID is the session user; optimistic messages are sent as them.
	UserID string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
	// NewTempID generates client-side ids; nil uses random UUIDs.
	NewTempID func() string
}

// FailedEvent is the payload of a message.failed event.
type FailedEvent struct {
	Message Message
	Err     string
}

// Reconciler holds the live message list of every open conversation and
// collapses the several copies of a message into one representation.
type Reconciler struct {
	mu        sync.Mutex
	threads   map[string]*thread
	owners    map[string]*thread // any key -> thread, for lookups by id
	retired   map[string]string  // temp id -> server id
	transport Transport
	cfg       Config
	bus       *bus.Bus
	logger    *zap.Logger
}

type thread struct {
	msgs []*Message          // creation order
	keys map[string]*Message // temp id, server id and fallback keys
}

// NewReconciler creates a reconciler sending through transport.
func NewReconciler(cfg Config, transport Transport, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTempID == nil {
		cfg.NewTempID = func() string { return "tmp-" + uuid.NewString() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		threads:   make(map[string]*thread),
		owners:    make(map[string]*thread),
		retired:   make(map[string]string),
		transport: transport,
		cfg:       cfg,
		bus:       b,
		logger:    logger,
	}
}

// AddOptimistic registers a message the user is sending and returns its
// temp id. The message is visible immediately with status sending.
func (r *Reconciler) AddOptimistic(conversationID, content string, kind Kind) string {
	if kind == "" {
		kind = KindText
	}
	tempID := r.cfg.NewTempID()
	m := &Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       r.cfg.UserID,
		Content:        content,
		Kind:           kind,
		Status:         StatusSending,
		CreatedAt:      r.cfg.Now(),
	}

	r.mu.Lock()
	r.insertLocked(r.threadLocked(conversationID), m)
	snapshot := *m
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.MessageReconciled, snapshot))
	return tempID
}

// Restore re-registers a pending message journaled by an earlier run so it
// can be delivered again under its original temp id. Known or retired temp
// ids are ignored.
func (r *Reconciler) Restore(out Outgoing, createdAt time.Time) bool {
	if out.TempID == "" || out.ConversationID == "" {
		return false
	}
	if out.Kind == "" {
		out.Kind = KindText
	}
	r.mu.Lock()
	if _, retired := r.retired[out.TempID]; retired || r.findLocked(out.TempID) != nil {
		r.mu.Unlock()
		return false
	}
	m := &Message{
		ID:             out.TempID,
		TempID:         out.TempID,
		ConversationID: out.ConversationID,
		SenderID:       r.cfg.UserID,
		Content:        out.Content,
		Kind:           out.Kind,
		Status:         StatusSending,
		CreatedAt:      createdAt,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.cfg.Now()
	}
	r.insertLocked(r.threadLocked(out.ConversationID), m)
	snapshot := *m
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.MessageReconciled, snapshot))
	return true
}

// Reconcile merges a message received from the server, either an ack, a
// push copy, or a REST refresh item.
func (r *Reconciler) Reconcile(incoming Message) {
	r.mu.Lock()
	changed, ok := r.reconcileLocked(incoming, -1)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(bus.NewEvent(bus.MessageReconciled, changed))
	}
}

// ReconcileAll merges a page of server messages. Positions within the page
// feed the fallback key of messages that carry neither an id nor a send
// time.
func (r *Reconciler) ReconcileAll(msgs []Message) int {
	var changed []Message
	r.mu.Lock()
	for i, m := range msgs {
		if c, ok := r.reconcileLocked(m, i); ok {
			changed = append(changed, c)
		}
	}
	r.mu.Unlock()
	for _, c := range changed {
		r.bus.Publish(bus.NewEvent(bus.MessageReconciled, c))
	}
	return len(changed)
}

// reconcileLocked applies one incoming message and returns the resulting
// representation when anything changed. pagePos is the index within a REST
// page, or -1 for a single message. Must hold r.mu.
func (r *Reconciler) reconcileLocked(in Message, pagePos int) (Message, bool) {
	if in.ConversationID == "" {
		r.logger.Debug("message without conversation dropped", zap.String("id", in.ID))
		return Message{}, false
	}
	if in.ID == "" && in.TempID != "" {
		in.ID = in.TempID
	}
	if in.ID == "" {
		in.ID = fallbackKey(r.fallbackPosLocked(in, pagePos), in.Content)
	}
	if in.Confirmed() && in.Status == "" {
		in.Status = StatusSent
	}
	if !in.Confirmed() {
		if serverID, ok := r.retired[in.TempID]; ok {
			r.logger.Debug("echo of retired temp id dropped",
				zap.String("temp_id", in.TempID), zap.String("server_id", serverID))
			return Message{}, false
		}
		if in.Status == "" {
			in.Status = StatusSending
		}
	}

	th := r.threadLocked(in.ConversationID)
	var byTemp, byID *Message
	if in.TempID != "" {
		byTemp = th.keys[in.TempID]
	}
	byID = th.keys[in.ID]

	existing := byTemp
	if existing == nil {
		existing = byID
	}
	if byTemp != nil && byID != nil && byTemp != byID {
		// The push copy beat the ack: one logical message, two entries.
		r.removeLocked(th, byTemp)
		existing = byID
	}

	if existing == nil {
		m := in
		if m.Kind == "" {
			m.Kind = KindText
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = r.cfg.Now()
		}
		r.insertLocked(th, &m)
		r.retireLocked(&m)
		return m, true
	}

	merged, ok := merge(*existing, in)
	if !ok {
		return Message{}, false
	}
	r.replaceLocked(th, existing, merged)
	return merged, true
}

// merge decides the surviving representation of one logical message.
// Server-confirmed always beats optimistic; confirmed statuses only move
// forward.
func merge(existing, in Message) (Message, bool) {
	switch {
	case existing.Confirmed() && !in.Confirmed():
		return existing, false
	case !existing.Confirmed() && !in.Confirmed():
		// A local echo of a pending message carries nothing new.
		return existing, false
	}

	out := in
	if out.TempID == "" {
		out.TempID = existing.TempID
	}
	if out.SenderID == "" {
		out.SenderID = existing.SenderID
	}
	if out.Content == "" {
		out.Content = existing.Content
	}
	if out.Kind == "" {
		out.Kind = existing.Kind
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	if existing.RetryCount > out.RetryCount {
		out.RetryCount = existing.RetryCount
	}
	if existing.Confirmed() {
		if out.Status == StatusFailed || progress[out.Status] < progress[existing.Status] {
			out.Status = existing.Status
		}
		if out == existing {
			return existing, false
		}
	}
	return out, true
}

// Deliver sends a pending optimistic message for the first time. Success
// reconciles the acknowledgment; failure marks the message failed.
func (r *Reconciler) Deliver(ctx context.Context, tempID string) error {
	r.mu.Lock()
	m := r.findLocked(tempID)
	if m == nil {
		r.mu.Unlock()
		return fmt.Errorf("deliver %s: %w", tempID, ErrNotFound)
	}
	if m.Confirmed() {
		// A push copy confirmed it while it sat in the outbox.
		r.mu.Unlock()
		return nil
	}
	if m.Status != StatusSending {
		r.mu.Unlock()
		return fmt.Errorf("deliver %s in status %s: %w", tempID, m.Status, ErrNotRetryable)
	}
	snapshot := *m
	r.mu.Unlock()

	return r.send(ctx, snapshot)
}

// Retry re-sends a failed message once: it resets the status to sending,
// increments the retry count and invokes the transport. A second failure
// leaves the message failed; there is no automatic backoff.
func (r *Reconciler) Retry(ctx context.Context, id string) error {
	r.mu.Lock()
	m := r.findLocked(id)
	if m == nil {
		r.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	if m.Confirmed() || m.Status != StatusFailed {
		r.mu.Unlock()
		return fmt.Errorf("retry %s in status %s: %w", id, m.Status, ErrNotRetryable)
	}
	m.Status = StatusSending
	m.RetryCount++
	snapshot := *m
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.MessageReconciled, snapshot))
	return r.send(ctx, snapshot)
}

func (r *Reconciler) send(ctx context.Context, m Message) error {
	if r.transport == nil {
		err := fmt.Errorf("no message transport configured")
		r.markFailed(m.TempID, err)
		return err
	}
	ack, err := r.transport.Send(ctx, Outgoing{
		ConversationID: m.ConversationID,
		TempID:         m.TempID,
		Content:        m.Content,
		Kind:           m.Kind,
	})
	if err != nil {
		r.logger.Warn("message send failed",
			zap.String("temp_id", m.TempID),
			zap.Int("retry_count", m.RetryCount),
			zap.Error(err))
		r.markFailed(m.TempID, err)
		return fmt.Errorf("send message: %w", err)
	}

	if ack.TempID == "" {
		ack.TempID = m.TempID
	}
	if ack.ConversationID == "" {
		ack.ConversationID = m.ConversationID
	}
	if ack.ID == "" || ack.ID == ack.TempID {
		// Accepted without a permanent id yet; the push copy will carry it.
		r.setPendingStatus(m.TempID, StatusSent)
		return nil
	}
	if ack.SenderID == "" {
		ack.SenderID = m.SenderID
	}
	if ack.Content == "" {
		ack.Content = m.Content
	}
	if ack.Kind == "" {
		ack.Kind = m.Kind
	}
	if ack.CreatedAt.IsZero() {
		ack.CreatedAt = m.CreatedAt
	}
	ack.RetryCount = m.RetryCount
	r.logger.Info("message sent", zap.String("temp_id", m.TempID), zap.String("server_id", ack.ID))
	r.Reconcile(ack)
	return nil
}

func (r *Reconciler) markFailed(tempID string, cause error) {
	r.mu.Lock()
	m := r.findLocked(tempID)
	if m == nil || m.Confirmed() {
		r.mu.Unlock()
		return
	}
	m.Status = StatusFailed
	snapshot := *m
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.MessageFailed, FailedEvent{Message: snapshot, Err: cause.Error()}))
}

func (r *Reconciler) setPendingStatus(tempID string, st Status) {
	r.mu.Lock()
	m := r.findLocked(tempID)
	if m == nil || m.Confirmed() {
		r.mu.Unlock()
		return
	}
	m.Status = st
	snapshot := *m
	r.mu.Unlock()

	r.bus.Publish(bus.NewEvent(bus.MessageReconciled, snapshot))
}

// Get returns the message known by id, which may be a temp id or a server id.
func (r *Reconciler) Get(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findLocked(id)
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// Messages returns a conversation's messages in creation order.
func (r *Reconciler) Messages(conversationID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(th.msgs))
	for i, m := range th.msgs {
		out[i] = *m
	}
	return out
}

// Timeline returns a conversation's messages with day separators in loc.
func (r *Reconciler) Timeline(conversationID string, loc *time.Location) []TimelineItem {
	return BuildTimeline(r.Messages(conversationID), loc)
}

// Pending returns messages still waiting for their first send.
func (r *Reconciler) Pending() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, th := range r.threads {
		for _, m := range th.msgs {
			if !m.Confirmed() && m.Status == StatusSending {
				out = append(out, *m)
			}
		}
	}
	slices.SortFunc(out, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Counts reports messages per status across all conversations.
func (r *Reconciler) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int)
	for _, th := range r.threads {
		for _, m := range th.msgs {
			out[m.Status]++
		}
	}
	return out
}

func (r *Reconciler) threadLocked(conversationID string) *thread {
	th, ok := r.threads[conversationID]
	if !ok {
		th = &thread{keys: make(map[string]*Message)}
		r.threads[conversationID] = th
	}
	return th
}

func (r *Reconciler) findLocked(id string) *Message {
	th, ok := r.owners[id]
	if !ok {
		return nil
	}
	return th.keys[id]
}

// insertLocked places m after every message created at or before it.
func (r *Reconciler) insertLocked(th *thread, m *Message) {
	i := len(th.msgs)
	for i > 0 && th.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	th.msgs = slices.Insert(th.msgs, i, m)
	r.indexLocked(th, m)
}

func (r *Reconciler) indexLocked(th *thread, m *Message) {
	for _, k := range []string{m.ID, m.TempID} {
		if k != "" {
			th.keys[k] = m
			r.owners[k] = th
		}
	}
}

func (r *Reconciler) removeLocked(th *thread, m *Message) {
	th.msgs = slices.DeleteFunc(th.msgs, func(x *Message) bool { return x == m })
	for k, v := range th.keys {
		if v == m {
			delete(th.keys, k)
			delete(r.owners, k)
		}
	}
}

// replaceLocked swaps existing for merged, keeping creation order.
func (r *Reconciler) replaceLocked(th *thread, existing *Message, merged Message) {
	r.removeLocked(th, existing)
	m := merged
	r.insertLocked(th, &m)
	if existing.TempID != "" && existing.TempID != m.ID {
		// Acks and echoes may still quote the retired temp id.
		th.keys[existing.TempID] = &m
		r.owners[existing.TempID] = th
	}
	r.retireLocked(&m)
}

func (r *Reconciler) retireLocked(m *Message) {
	if m.TempID != "" && m.Confirmed() {
		r.retired[m.TempID] = m.ID
	}
}

// fallbackPosLocked places an id-less message in its conversation. The
// server's send time is used when present, so a push copy and a REST copy
// of one message agree. Otherwise the page index, or for a lone message
// the next slot in the thread, keeps distinct messages apart.
func (r *Reconciler) fallbackPosLocked(in Message, pagePos int) string {
	switch {
	case !in.CreatedAt.IsZero():
		return strconv.FormatInt(in.CreatedAt.UnixMilli(), 10)
	case pagePos >= 0:
		return "p" + strconv.Itoa(pagePos)
	default:
		return "n" + strconv.Itoa(len(r.threadLocked(in.ConversationID).msgs))
	}
}

func fallbackKey(pos, content string) string {
	prefix := strings.TrimSpace(content)
	if r := []rune(prefix); len(r) > fallbackPrefixLen {
		prefix = string(r[:fallbackPrefixLen])
	}
	return "fallback:" + pos + ":" + prefix
}

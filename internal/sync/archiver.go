package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned when closing a conversation nothing is
	// known about.
	ErrNoConversation = errors.New("conversation not found")
	// ErrNotTerminal is returned for a close status other than completed or
	// blocked.
	ErrNotTerminal = errors.New("conversation status is not terminal")
)

// ConversationStore is the part of the local store the archiver reads and
// updates. store.DB implements it.
type ConversationStore interface {
	GetConversation(id string) (*chat.Conversation, error)
	ConversationsForOrder(orderID string) ([]string, error)
	CloseConversation(id string, status chat.ConversationStatus) error
}

// Archiver moves conversations that reached a terminal state into the
// archive and out of the live list. It closes the conversations of an
// order once the order's status cache accepts a terminal status, and
// serves explicit complete/block requests through Close.
type Archiver struct {
	convs    ConversationStore
	messages *chat.Reconciler
	archive  *archive.Store
	userID   string
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewArchiver creates an archiver acting on behalf of userID.
func NewArchiver(convs ConversationStore, msgs *chat.Reconciler, arch *archive.Store, userID string, b *bus.Bus, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		convs:    convs,
		messages: msgs,
		archive:  arch,
		userID:   userID,
		bus:      b,
		logger:   logger,
	}
}

// Start follows accepted order statuses on the bus.
func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	ch, unsub := a.bus.SubscribeQueued(bus.OrderStatusAccepted)

	go func() {
		defer close(a.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if entry, ok := evt.Payload.(order.Entry); ok {
					a.OrderSettled(entry)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the archiver and waits for its loop to exit.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// OrderSettled closes the conversations attached to an order whose status
// became terminal. Conversations already in the archive are left alone, so
// a later terminal status never rewrites the snapshot. It returns how many
// conversations were closed.
func (a *Archiver) OrderSettled(entry order.Entry) int {
	if !entry.Status.Terminal() {
		return 0
	}
	ids, err := a.convs.ConversationsForOrder(entry.EntityID)
	if err != nil {
		a.logger.Error("list conversations for order", zap.Error(err), zap.String("order_id", entry.EntityID))
		return 0
	}
	closed := 0
	for _, id := range ids {
		if a.archive.IsArchived(id) {
			continue
		}
		if _, err := a.Close(id, chat.ConversationCompleted); err != nil {
			a.logger.Warn("auto-archive failed", zap.Error(err), zap.String("conversation_id", id))
			continue
		}
		closed++
	}
	if closed > 0 {
		a.logger.Info("order settled, conversations archived",
			zap.String("order_id", entry.EntityID),
			zap.String("status", string(entry.Status)),
			zap.Int("conversations", closed))
	}
	return closed
}

// Close archives a conversation with its live messages under a terminal
// status and hides it from the conversation list.
func (a *Archiver) Close(conversationID string, st chat.ConversationStatus) (archive.Entry, error) {
	if st != chat.ConversationCompleted && st != chat.ConversationBlocked {
		return archive.Entry{}, fmt.Errorf("close %s as %q: %w", conversationID, st, ErrNotTerminal)
	}
	conv, err := a.convs.GetConversation(conversationID)
	if err != nil {
		return archive.Entry{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	msgs := a.messages.Messages(conversationID)
	if conv == nil && len(msgs) == 0 {
		return archive.Entry{}, fmt.Errorf("close %s: %w", conversationID, ErrNoConversation)
	}

	snapshot := chat.Conversation{ID: conversationID}
	if conv != nil {
		snapshot = *conv
	}
	snapshot.Status = st

	entry := a.archive.Archive(conversationID, snapshot, msgs, a.userID)
	if err := a.convs.CloseConversation(conversationID, st); err != nil {
		a.logger.Warn("failed to flag conversation closed", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	return entry, nil
}

// Package sync routes collaborator events into the reconcilers and journals
// reconciled state into the local store.
package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/status"
	"go.uber.org/zap"
)

// Superseder cancels an in-flight REST fetch for an entity.
type Superseder interface {
	Supersede(id string) bool
}

// MessageFetcher loads the latest page of a conversation.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Engine applies push updates to the reconcilers. The push handler calls
// ApplyStatus and ApplyMessage directly; the bus subscription only follows
// the connection state.
type Engine struct {
	status   *status.Reconciler
	messages *chat.Reconciler
	fetches  Superseder
	pages    MessageFetcher
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new sync engine. fetches and pages may be nil.
func NewEngine(st *status.Reconciler, msgs *chat.Reconciler, fetches Superseder, pages MessageFetcher, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		status:   st,
		messages: msgs,
		fetches:  fetches,
		pages:    pages,
		bus:      b,
		logger:   logger,
	}
}

// Start follows push connection events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.PushConnected:
		e.logger.Info("push stream up")
	case bus.PushDisconnected:
		e.logger.Warn("push stream down", zap.Any("reason", evt.Payload))
	}
}

// ApplyStatus records a push-delivered status. Any REST fetch still in
// flight for the entity is cancelled first so it cannot race this write.
func (e *Engine) ApplyStatus(u order.Update) bool {
	if e.fetches != nil && e.fetches.Supersede(u.EntityID) {
		e.logger.Debug("in-flight fetch superseded by push", zap.String("entity_id", u.EntityID))
	}
	return e.status.Set(u.EntityID, u.Status, u.Payload, order.SourceWebSocket)
}

// ApplyMessage reconciles a push copy of a chat message.
func (e *Engine) ApplyMessage(m chat.Message) {
	e.messages.Reconcile(m)
}

// RefreshMessages pulls the latest page of a conversation over REST and
// reconciles it against what push already delivered.
func (e *Engine) RefreshMessages(ctx context.Context, conversationID string) (int, error) {
	if e.pages == nil {
		return 0, fmt.Errorf("refresh %s: no message fetcher configured", conversationID)
	}
	msgs, err := e.pages.FetchMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("refresh %s: %w", conversationID, err)
	}
	changed := e.messages.ReconcileAll(msgs)
	e.logger.Info("conversation refreshed",
		zap.String("conversation_id", conversationID),
		zap.Int("fetched", len(msgs)),
		zap.Int("changed", changed))
	return changed, nil
}

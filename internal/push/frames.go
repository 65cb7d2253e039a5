// Package push connects to the server's websocket push endpoint and feeds
// its frames to the sync engine.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
	"go.uber.org/zap"
)

// Frame types sent by the server.
const (
	FrameOrderStatus = "order_status"
	FrameMessage     = "message"
	FramePing        = "ping"
)

// ErrUnknownFrame is returned for a frame type this client does not handle.
var ErrUnknownFrame = errors.New("unknown push frame type")

// Frame is the envelope of every push message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Applier takes decoded push updates into the reconcilers. sync.Engine
// implements it.
type Applier interface {
	ApplyStatus(u order.Update) bool
	ApplyMessage(m chat.Message)
}

// Handler decodes frames, applies them synchronously and then announces
// them on the bus. The bus copy is informational; a full subscriber never
// costs the reconcilers an update.
type Handler struct {
	apply  Applier
	bus    *bus.Bus
	logger *zap.Logger
}

// NewHandler creates a frame handler. apply may be nil, in which case
// frames are only published.
func NewHandler(apply Applier, b *bus.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{apply: apply, bus: b, logger: logger}
}

// Handle decodes one raw frame, applies it and publishes the resulting
// event. Frames that cannot be attributed to an entity are dropped with an
// error the caller logs; they never stop the read loop.
func (h *Handler) Handle(raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameOrderStatus:
		u, err := order.DecodeUpdate(f.Data)
		if err != nil {
			return err
		}
		if h.apply != nil {
			h.apply.ApplyStatus(u)
		}
		h.bus.Publish(bus.NewEvent(bus.PushOrderStatus, u))
	case FrameMessage:
		m, err := chat.DecodeMessage(f.Data)
		if err != nil {
			return err
		}
		if m.ConversationID == "" {
			return fmt.Errorf("message %q: no resolvable conversation id", m.ID)
		}
		if h.apply != nil {
			h.apply.ApplyMessage(m)
		}
		h.bus.Publish(bus.NewEvent(bus.PushMessage, m))
	case FramePing:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return nil
}

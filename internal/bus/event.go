package bus

import "time"

// Event kinds. Subscribers filter by namespace prefix ("push.", "order.", ...).
const (
	PushOrderStatus  = "push.order_status"
	PushMessage      = "push.message"
	PushConnected    = "push.connected"
	PushDisconnected = "push.disconnected"

	OrderStatusAccepted = "order.status_accepted"
	OrderStatusEvicted  = "order.status_evicted"

	MessageReconciled = "message.reconciled"
	MessageFailed     = "message.failed"

	ArchiveAdded   = "archive.added"
	ArchiveExpired = "archive.expired"
	ArchiveRemoved = "archive.removed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

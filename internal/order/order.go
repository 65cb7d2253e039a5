// Package order holds the client-side projection of an order/purchase:
// its status codes, the provenance of an observation, and the payload that
// travels with a status update.
package order

import (
	"fmt"
	"time"
)

// Status is an order/purchase lifecycle status code.
type Status string

const (
	Initiated      Status = "initiated"
	EscrowReserved Status = "escrow_reserved"
	Shipped        Status = "shipped"
	Completed      Status = "completed"
	Cancelled      Status = "cancelled"
)

// ranks orders the closed status set. Rank only breaks ties between
// conflicting observations from the same source.
var ranks = map[Status]int{
	Initiated:      0,
	EscrowReserved: 1,
	Shipped:        2,
	Completed:      3,
	Cancelled:      4,
}

// Rank returns the tie-break rank of s, or -1 for an unknown code.
func (s Status) Rank() int {
	r, ok := ranks[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Terminal reports whether no further transition is ordinarily expected.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

// ParseStatus validates a wire status code.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", raw)
	}
	return s, nil
}

// Source tags where a status observation came from.
type Source string

const (
	SourceAPI       Source = "api"
	SourceWebSocket Source = "websocket"
	SourceLocal     Source = "local"
)

// Sources lists every source, in display order.
var Sources = []Source{SourceAPI, SourceWebSocket, SourceLocal}

// Valid reports whether src is a known source.
func (src Source) Valid() bool {
	switch src {
	case SourceAPI, SourceWebSocket, SourceLocal:
		return true
	}
	return false
}

// Payload carries the order details that accompany a status update.
// Zero values mean "not reported".
type Payload struct {
	BuyerID        string     `json:"buyerId,omitempty"`
	SellerID       string     `json:"sellerId,omitempty"`
	DeliveryMethod string     `json:"deliveryMethod,omitempty"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AutoReleaseAt  *time.Time `json:"autoReleaseAt,omitempty"`
}

// Entry is the latest accepted status observation for one entity.
type Entry struct {
	EntityID  string    `json:"entityId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Payload   Payload   `json:"payload"`
}

// Age is how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/boostsync/internal/ids"
)

// ErrNoIdentity is returned when an update carries no resolvable entity id.
var ErrNoIdentity = errors.New("order update has no resolvable entity id")

// Update is a decoded status observation, ready for the reconciler.
type Update struct {
	EntityID string
	Status   Status
	Payload  Payload
}

// wireUpdate is the shape shared by push events and REST responses. Id
// fields may use any identifier shape.
type wireUpdate struct {
	EntityID       ids.RawID  `json:"entityId"`
	ID             ids.RawID  `json:"_id"`
	Status         string     `json:"status"`
	BuyerID        ids.RawID  `json:"buyerId"`
	SellerID       ids.RawID  `json:"sellerId"`
	DeliveryMethod string     `json:"deliveryMethod"`
	ShippedAt      *time.Time `json:"shippedAt"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	AutoReleaseAt  *time.Time `json:"autoReleaseAt"`
}

// DecodeUpdate parses one status observation. An unresolvable entity id
// yields ErrNoIdentity; an unresolvable buyer or seller id is left empty.
func DecodeUpdate(data []byte) (Update, error) {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return Update{}, fmt.Errorf("decode order update: %w", err)
	}
	id, ok := ids.Normalize(w.EntityID)
	if !ok {
		if id, ok = ids.Normalize(w.ID); !ok {
			return Update{}, ErrNoIdentity
		}
	}
	st, err := ParseStatus(w.Status)
	if err != nil {
		return Update{}, fmt.Errorf("order %s: %w", id, err)
	}
	u := Update{
		EntityID: id,
		Status:   st,
		Payload: Payload{
			DeliveryMethod: w.DeliveryMethod,
			ShippedAt:      w.ShippedAt,
			DeliveredAt:    w.DeliveredAt,
			AutoReleaseAt:  w.AutoReleaseAt,
		},
	}
	u.Payload.BuyerID, _ = ids.Normalize(w.BuyerID)
	u.Payload.SellerID, _ = ids.Normalize(w.SellerID)
	return u, nil
}

// DecodeUpdates parses a REST list response. Items without identity or
// with an unknown status are skipped and counted.
func DecodeUpdates(data []byte) ([]Update, int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, 0, fmt.Errorf("decode order list: %w", err)
	}
	out := make([]Update, 0, len(items))
	skipped := 0
	for _, item := range items {
		u, err := DecodeUpdate(item)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, u)
	}
	return out, skipped, nil
}

// Entry turns the update into a cache entry observed at ts from src.
func (u Update) Entry(ts time.Time, src Source) Entry {
	return Entry{EntityID: u.EntityID, Status: u.Status, Timestamp: ts, Source: src, Payload: u.Payload}
}

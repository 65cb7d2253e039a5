package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/boostsync/internal/ids"
)

// wireMessage is the server's message shape, used by push frames, send
// acknowledgments and REST pages alike.
type wireMessage struct {
	ID             ids.RawID `json:"_id"`
	AltID          ids.RawID `json:"id"`
	TempID         string    `json:"tempId"`
	ConversationID ids.RawID `json:"conversationId"`
	SenderID       ids.RawID `json:"senderId"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"type"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (w wireMessage) message() Message {
	m := Message{
		TempID:    w.TempID,
		Content:   w.Content,
		Kind:      w.Kind,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
	}
	if id, ok := ids.Normalize(w.ID); ok {
		m.ID = id
	} else {
		m.ID, _ = ids.Normalize(w.AltID)
	}
	m.ConversationID, _ = ids.Normalize(w.ConversationID)
	m.SenderID, _ = ids.Normalize(w.SenderID)
	switch m.Kind {
	case KindText, KindImage:
	default:
		m.Kind = KindText
	}
	return m
}

// DecodeMessage parses one server message. A message whose id cannot be
// resolved keeps an empty id and is matched by fallback key.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.message(), nil
}

// DecodeMessages parses a REST page of messages in server order.
func DecodeMessages(data []byte) ([]Message, error) {
	var page []wireMessage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]Message, len(page))
	for i, w := range page {
		out[i] = w.message()
	}
	return out, nil
}

// Package chat reconciles chat messages that reach the client through more
// than one channel: local optimistic sends, the send acknowledgment, push
// copies, and REST refreshes.
package chat

import (
	"errors"
	"slices"
	"time"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// progress orders confirmed delivery states; a confirmed message never moves
// backwards.
var progress = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

var (
	// ErrNotFound is returned when no message matches an id.
	ErrNotFound = errors.New("message not found")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("message is not in a retryable state")
)

// Message is one chat message. ID holds the temp id until the server assigns
// a permanent one; TempID keeps the client-generated id for matching acks.
type Message struct {
	ID             string    `json:"id"`
	TempID         string    `json:"tempId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	RetryCount     int       `json:"retryCount"`
}

// Confirmed reports whether the server has assigned a permanent id.
func (m Message) Confirmed() bool {
	return m.ID != "" && m.ID != m.TempID
}

// Outgoing is what the send transport receives.
type Outgoing struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
	Content        string `json:"content"`
	Kind           Kind   `json:"kind"`
}

// ConversationStatus is the lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationBlocked   ConversationStatus = "blocked"
)

// Conversation is the snapshot of a conversation shown in the list and
// preserved on archival.
type Conversation struct {
	ID            string             `json:"id"`
	Participants  []string           `json:"participants"`
	Title         string             `json:"title,omitempty"`
	OrderID       string             `json:"orderId,omitempty"`
	LastMessage   string             `json:"lastMessage,omitempty"`
	LastMessageAt time.Time          `json:"lastMessageAt,omitzero"`
	Status        ConversationStatus `json:"status"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

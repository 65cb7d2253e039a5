package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/boostsync/internal/chat"
)

// UpsertConversation inserts or updates a conversation. The archived flag is
// left untouched and the last-message preview only moves forward in time.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	status := c.Status
	if status == "" {
		status = chat.ConversationActive
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, title, order_id, participants, last_message, last_message_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			order_id = excluded.order_id,
			participants = excluded.participants,
			status = excluded.status,
			last_message = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message ELSE conversations.last_message END,
			last_message_at = MAX(excluded.last_message_at, conversations.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.OrderID, string(participants), c.LastMessage, unixMilli(c.LastMessageAt), status, time.Now().UnixMilli())
	return err
}

// TouchConversation records a newer last message, creating a bare
// conversation row when none exists yet.
func (db *DB) TouchConversation(id, lastMessage string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_message_at >= conversations.last_message_at`,
		id, lastMessage, unixMilli(at), time.Now().UnixMilli())
	return err
}

// SetConversationArchived hides or shows a conversation in the live list.
func (db *DB) SetConversationArchived(id string, archived bool) error {
	_, err := db.Exec(`UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, time.Now().UnixMilli(), id)
	return err
}

// CloseConversation records a conversation's terminal status and hides it
// from the live list.
func (db *DB) CloseConversation(id string, status chat.ConversationStatus) error {
	_, err := db.Exec(`UPDATE conversations SET status = ?, archived = 1, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// ConversationsForOrder returns the ids of conversations attached to an
// order, archived or not.
func (db *DB) ConversationsForOrder(orderID string) ([]string, error) {
	if orderID == "" {
		return nil, nil
	}
	rows, err := db.Query(`SELECT id FROM conversations WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListConversations returns live (non-archived) conversations, most recent
// activity first.
func (db *DB) ListConversations(limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, title, order_id, participants, last_message, last_message_at, status
		FROM conversations
		WHERE archived = 0
		ORDER BY last_message_at DESC, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, archived or not, or nil.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, title, order_id, participants, last_message, last_message_at, status
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (chat.Conversation, error) {
	var (
		c            chat.Conversation
		participants string
		lastAt       int64
	)
	if err := s.Scan(&c.ID, &c.Title, &c.OrderID, &participants, &c.LastMessage, &lastAt, &c.Status); err != nil {
		return c, err
	}
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return c, fmt.Errorf("decode participants of %s: %w", c.ID, err)
		}
	}
	c.LastMessageAt = fromUnixMilli(lastAt)
	return c, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

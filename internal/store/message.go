package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/boostsync/internal/chat"
)

// UpsertMessage journals a message (idempotent on conversation_id + msg_id).
// Once a message is confirmed its temp-id row is dropped so the journal
// never holds two rows for one logical message.
func (db *DB) UpsertMessage(m *chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.Confirmed() && m.TempID != "" {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			m.ConversationID, m.TempID); err != nil {
			return fmt.Errorf("retire temp row %s: %w", m.TempID, err)
		}
	}
	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, temp_id, sender_id, content, kind, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			temp_id = excluded.temp_id,
			content = excluded.content,
			status = excluded.status,
			retry_count = excluded.retry_count`,
		m.ConversationID, m.ID, m.TempID, m.SenderID, m.Content, string(m.Kind), string(m.Status), m.RetryCount, unixMilli(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages using keyset pagination by
// creation time, newest first. before <= 0 starts from the latest message.
func (db *DB) ListMessages(conversationID string, before int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before <= 0 {
		before = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, temp_id, conversation_id, sender_id, content, kind, status, retry_count, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m       chat.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.TempID, &m.ConversationID, &m.SenderID, &m.Content, &m.Kind, &m.Status, &m.RetryCount, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromUnixMilli(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

package store

import (
	"time"

	"github.com/matheus3301/boostsync/internal/chat"
)

// OutboxEntry is a journaled outgoing message.
type OutboxEntry struct {
	ID             int64
	TempID         string
	ConversationID string
	Content        string
	Kind           chat.Kind
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      time.Time
}

// QueueOutbox journals an outgoing message before its first send.
func (db *DB) QueueOutbox(out chat.Outgoing, createdAt time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (temp_id, conversation_id, content, kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET status = 'queued', updated_at = excluded.updated_at`,
		out.TempID, out.ConversationID, out.Content, string(out.Kind), unixMilli(createdAt), now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, errMsg, now, tempID)
	return err
}

// PendingOutbox returns entries a previous run queued or started but never
// finished, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, conversation_id, content, kind, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TempID, &e.ConversationID, &e.Content, &e.Kind, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromUnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `conversation_id, msg_id, client_id, sender_id, recipient_id, body_text, body_media, status, is_optimistic, created_at`

// InsertPlaceholder stores an optimistic message. It reports false, and stores
// nothing, when the server copy of the same client id is already confirmed,
// so a placeholder id never reappears after reconciliation.
func (db *DB) InsertPlaceholder(m *chat.Message) (bool, error) {
	if m.ClientID == "" {
		return false, fmt.Errorf("placeholder %s has no client id", m.ID)
	}
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var confirmed int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE client_id = ? AND is_optimistic = 0`, m.ClientID).Scan(&confirmed); err != nil {
		return false, err
	}
	if confirmed > 0 {
		return false, nil
	}
	if err := upsertMessage(tx, m); err != nil {
		return false, err
	}
	if err := touchConversation(tx, m.ConversationID, m.CreatedAt, preview(m.Body)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id, last write wins).
// A confirmed message carrying a client id supersedes the matching placeholder.
func (db *DB) UpsertMessage(m *chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertConfirmed(tx, "", m); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmPlaceholder atomically swaps the placeholder row for the server-confirmed message.
// Readers observe either the placeholder or the confirmed row, never both or neither.
func (db *DB) ConfirmPlaceholder(placeholderID string, server *chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertConfirmed(tx, placeholderID, server); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertBatch ingests many messages in one transaction.
func (db *DB) UpsertBatch(msgs []*chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertConfirmed(tx, "", m); err != nil {
			return fmt.Errorf("upsert %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func upsertConfirmed(tx *sql.Tx, placeholderID string, m *chat.Message) error {
	if m.IsOptimistic {
		return fmt.Errorf("message %s is optimistic, not a server copy", m.ID)
	}
	if placeholderID != "" {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, m.ConversationID, placeholderID); err != nil {
			return fmt.Errorf("delete placeholder: %w", err)
		}
	}
	if m.ClientID != "" {
		if _, err := tx.Exec(`DELETE FROM messages WHERE client_id = ? AND is_optimistic = 1`, m.ClientID); err != nil {
			return fmt.Errorf("delete placeholder by client id: %w", err)
		}
	}

	// Keep the furthest delivery status if the server copy was already ingested.
	var existing string
	err := tx.QueryRow(`SELECT status FROM messages WHERE conversation_id = ? AND msg_id = ?`, m.ConversationID, m.ID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	row := *m
	if existing != "" {
		row.Status = chat.Further(chat.Status(existing), m.Status)
	}
	if err := upsertMessage(tx, &row); err != nil {
		return err
	}
	return touchConversation(tx, m.ConversationID, m.CreatedAt, preview(m.Body))
}

func upsertMessage(ex execer, m *chat.Message) error {
	media, err := encodeMedia(m.Body.Media)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = ex.Exec(`
		INSERT INTO messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id != '' THEN excluded.client_id ELSE messages.client_id END,
			body_text = excluded.body_text,
			body_media = excluded.body_media,
			status = excluded.status,
			is_optimistic = excluded.is_optimistic,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.RecipientID,
		m.Body.Text, media, string(m.Status), m.IsOptimistic, m.CreatedAt, now)
	return err
}

// GetMessage returns one message, or nil if it does not exist.
func (db *DB) GetMessage(conversationID, msgID string) (*chat.Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessages returns messages for a conversation using keyset pagination by
// timestamp, newest first. beforeTs <= 0 returns the newest page, including
// server rows stamped ahead of the local clock.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeTs > 0 {
		query += ` AND created_at < ?`
		args = append(args, beforeTs)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageStatus updates the delivery status of one message. Reports whether it existed.
func (db *DB) SetMessageStatus(conversationID, msgID string, status chat.Status) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		string(status), time.Now().UnixMilli(), conversationID, msgID)
	return affected(res, err)
}

// UpdateMessageBody replaces a message body (last write wins).
func (db *DB) UpdateMessageBody(conversationID, msgID string, body chat.Body) (bool, error) {
	media, err := encodeMedia(body.Media)
	if err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE messages SET body_text = ?, body_media = ?, updated_at = ? WHERE conversation_id = ? AND msg_id = ?`,
		body.Text, media, time.Now().UnixMilli(), conversationID, msgID)
	return affected(res, err)
}

// DeleteMessage removes a message from the local store.
func (db *DB) DeleteMessage(conversationID, msgID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return affected(res, err)
}

// MarkMessagesRead sets the given messages to read and clears the unread counter.
func (db *DB) MarkMessagesRead(conversationID string, msgIDs []string) (int64, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UnixMilli(), conversationID}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	res, err := db.Exec(`UPDATE messages SET status = 'read', updated_at = ?
		WHERE conversation_id = ? AND msg_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	if err := db.SetUnread(conversationID, 0); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveClientID returns the server id confirmed for a client id, or "" if still unconfirmed.
func (db *DB) ResolveClientID(clientID string) (string, error) {
	var id string
	err := db.QueryRow(`SELECT msg_id FROM messages WHERE client_id = ? AND is_optimistic = 0 LIMIT 1`, clientID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// CountOptimistic returns the number of unconfirmed placeholder messages.
func (db *DB) CountOptimistic() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE is_optimistic = 1`).Scan(&n)
	return n, err
}

func scanMessage(s scanner) (*chat.Message, error) {
	var (
		m      chat.Message
		media  string
		status string
	)
	if err := s.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.RecipientID,
		&m.Body.Text, &media, &status, &m.IsOptimistic, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = chat.Status(status)
	if media != "" {
		m.Body.Media = new(chat.Media)
		if err := json.Unmarshal([]byte(media), m.Body.Media); err != nil {
			return nil, fmt.Errorf("decode media of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeMedia(m *chat.Media) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode media: %w", err)
	}
	return string(data), nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func preview(b chat.Body) string {
	if b.Text != "" {
		return b.Text
	}
	if b.Media != nil {
		return "[" + string(b.Media.Kind) + "]"
	}
	return ""
}

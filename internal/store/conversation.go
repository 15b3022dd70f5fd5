package store

import (
	"database/sql"
	"time"
)

const conversationColumns = `id, last_message_at, last_message_preview, unread_count, synced_at`

// touchConversation records a message in the conversation summary, creating it on first sight.
func touchConversation(ex execer, conversationID string, at int64, preview string) error {
	_, err := ex.Exec(`
		INSERT INTO conversations (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		conversationID, at, truncate(preview, 100), time.Now().UnixMilli())
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount, &c.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount, &c.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetSyncedAt advances the inbound sync cursor of a conversation. It never moves backwards.
func (db *DB) SetSyncedAt(id string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, synced_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			synced_at = MAX(conversations.synced_at, excluded.synced_at),
			updated_at = excluded.updated_at`, id, ts, now)
	return err
}

// SetUnread sets the unread counter of a conversation.
func (db *DB) SetUnread(id string, n int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UnixMilli(), id)
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

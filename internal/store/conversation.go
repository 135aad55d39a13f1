package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

const previewLen = 100

// UpsertConversation stores conversation metadata. The last-message fields
// only move forward in time.
func (db *DB) UpsertConversation(c Conversation) error {
	updated := toMillis(c.UpdatedAt)
	if updated == 0 {
		updated = time.Now().UnixMilli()
	}
	_, err := db.exec(`
		INSERT INTO conversations (id, title, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END,
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, c.Title, truncate(c.LastMessagePreview, previewLen), toMillis(c.LastMessageAt), updated)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func bumpConversation(tx *sql.Tx, conversationID, content string, at time.Time) error {
	ms := toMillis(at)
	if ms == 0 {
		return nil
	}
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		conversationID, truncate(content, previewLen), ms, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	return nil
}

// Conversation returns the stored metadata for id.
func (db *DB) Conversation(id string) (Conversation, error) {
	var (
		c         Conversation
		last, upd int64
	)
	err := db.QueryRow(`SELECT id, title, last_message_preview, last_message_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.LastMessagePreview, &last, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.LastMessageAt = fromMillis(last)
	c.UpdatedAt = fromMillis(upd)
	return c, nil
}

// Previews builds the conversation list for userID: every known
// conversation with its last visible message and the number of confirmed
// messages from other users that userID has not read, most recent first.
func (db *DB) Previews(userID string) ([]Preview, error) {
	rows, err := db.Query(`
		SELECT id FROM conversations
		UNION SELECT conversation_id FROM members WHERE user_id = ?
		UNION SELECT conversation_id FROM messages WHERE hidden = 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	previews := make([]Preview, 0, len(ids))
	for _, id := range ids {
		p, err := db.preview(id, userID)
		if err != nil {
			return nil, err
		}
		previews = append(previews, p)
	}
	sort.SliceStable(previews, func(i, j int) bool {
		if !previews[i].LastActivity.Equal(previews[j].LastActivity) {
			return previews[i].LastActivity.After(previews[j].LastActivity)
		}
		return previews[i].ConversationID < previews[j].ConversationID
	})
	return previews, nil
}

func (db *DB) preview(conversationID, userID string) (Preview, error) {
	p := Preview{ConversationID: conversationID}

	c, err := db.Conversation(conversationID)
	switch {
	case err == nil:
		p.Title = c.Title
		p.LastActivity = c.LastMessageAt
		if p.LastActivity.IsZero() {
			p.LastActivity = c.UpdatedAt
		}
	case !errors.Is(err, ErrNotFound):
		return Preview{}, err
	}

	last, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND hidden = 0
		ORDER BY
			CASE WHEN server_id IS NULL THEN 1 ELSE 0 END DESC,
			CASE WHEN server_id IS NULL THEN local_sent_at ELSE created_at END DESC,
			id DESC
		LIMIT 1`, conversationID))
	switch {
	case err == nil:
		p.LastMessage = &last
		p.LastActivity = latest(p.LastActivity, last.CreatedAt, last.LocalSentAt)
	case !errors.Is(err, sql.ErrNoRows):
		return Preview{}, fmt.Errorf("last message: %w", err)
	}

	if err := db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ? AND m.server_id IS NOT NULL AND m.hidden = 0
		AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.message_id = m.server_id AND r.user_id = ? AND r.status = ?
		)`, conversationID, userID, userID, StatusRead).Scan(&p.UnreadCount); err != nil {
		return Preview{}, fmt.Errorf("unread count: %w", err)
	}
	return p, nil
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, correlation_id, server_id, conversation_id, sender_id, content, status, created_at, local_sent_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                  Message
		serverID           sql.NullString
		created, localSent int64
	)
	if err := row.Scan(&m.ID, &m.CorrelationID, &serverID, &m.ConversationID, &m.SenderID, &m.Content, &m.Status, &created, &localSent); err != nil {
		return Message{}, err
	}
	m.ServerID = serverID.String
	m.CreatedAt = fromMillis(created)
	m.LocalSentAt = fromMillis(localSent)
	return m, nil
}

// PutMessage inserts or updates a message keyed by correlation id. A server
// id or created time already recorded is never cleared by a put without one.
func (db *DB) PutMessage(m Message) error {
	now := time.Now().UnixMilli()
	_, err := db.exec(`
		INSERT INTO messages (correlation_id, server_id, conversation_id, sender_id, content, status, created_at, local_sent_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			server_id = COALESCE(excluded.server_id, messages.server_id),
			content = excluded.content,
			status = excluded.status,
			created_at = CASE WHEN excluded.created_at > 0 THEN excluded.created_at ELSE messages.created_at END,
			updated_at = excluded.updated_at`,
		m.CorrelationID, nullable(m.ServerID), m.ConversationID, m.SenderID, m.Content, m.Status,
		toMillis(m.CreatedAt), toMillis(m.LocalSentAt), now)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// Messages returns the visible messages of a conversation in render order:
// confirmed messages by server creation time, then unconfirmed ones by
// local send time.
func (db *DB) Messages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND hidden = 0
		ORDER BY
			CASE WHEN server_id IS NULL THEN 1 ELSE 0 END,
			CASE WHEN server_id IS NULL THEN local_sent_at ELSE created_at END,
			id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageByCorrelationID looks a message up by its client correlation id.
func (db *DB) MessageByCorrelationID(correlationID string) (Message, error) {
	return messageWhere(db, "correlation_id = ?", correlationID)
}

// MessageByServerID looks a message up by its server id.
func (db *DB) MessageByServerID(serverID string) (Message, error) {
	return messageWhere(db, "server_id = ?", serverID)
}

func messageWhere(q queryer, cond string, arg any) (Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// PromoteStatus moves a message forward according to Promote and returns
// the resulting message.
func (db *DB) PromoteStatus(correlationID string, next Status) (Message, error) {
	var out Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageWhere(tx, "correlation_id = ?", correlationID)
		if err != nil {
			return err
		}
		m.Status = Promote(m.Status, next)
		if err := setStatus(tx, m.ID, m.Status); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func setStatus(tx *sql.Tx, id int64, s Status) error {
	if _, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, s, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// ApplyServerMessage merges a server-confirmed message. A row with the same
// correlation id is confirmed in place and its outbox entry marked synced;
// a row already known by server id is left alone; anything else is
// inserted as a message that originated on another device.
func (db *DB) ApplyServerMessage(in Message) (Message, ApplyResult, error) {
	if in.ServerID == "" {
		return Message{}, Duplicate, fmt.Errorf("apply server message: missing server id")
	}
	if in.CorrelationID == "" {
		in.CorrelationID = "srv:" + in.ServerID
	}

	var (
		out    Message
		result ApplyResult
	)
	err := db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()

		existing, err := messageWhere(tx, "correlation_id = ?", in.CorrelationID)
		switch {
		case err == nil:
			if existing.ServerID == in.ServerID && !existing.CreatedAt.IsZero() && existing.Status != StatusSending && existing.Status != StatusFailed {
				out, result = existing, Duplicate
				return nil
			}
			existing.ServerID = in.ServerID
			existing.CreatedAt = in.CreatedAt
			existing.Status = Promote(existing.Status, StatusSent)
			if _, err := tx.Exec(`
				UPDATE messages SET server_id = ?, created_at = ?, status = ?, hidden = 0, updated_at = ?
				WHERE id = ?`,
				existing.ServerID, toMillis(existing.CreatedAt), existing.Status, now, existing.ID); err != nil {
				return fmt.Errorf("confirm message: %w", err)
			}
			if err := syncOutbox(tx, in.CorrelationID); err != nil {
				return err
			}
			out, result = existing, Merged
		case errors.Is(err, ErrNotFound):
			if known, err := messageWhere(tx, "server_id = ?", in.ServerID); err == nil {
				out, result = known, Duplicate
				return nil
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if in.Status == "" {
				in.Status = StatusSent
			}
			if in.LocalSentAt.IsZero() {
				in.LocalSentAt = in.CreatedAt
			}
			res, err := tx.Exec(`
				INSERT INTO messages (correlation_id, server_id, conversation_id, sender_id, content, status, created_at, local_sent_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.CorrelationID, in.ServerID, in.ConversationID, in.SenderID, in.Content, in.Status,
				toMillis(in.CreatedAt), toMillis(in.LocalSentAt), now)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			in.ID, _ = res.LastInsertId()
			out, result = in, Inserted
		default:
			return err
		}

		return bumpConversation(tx, out.ConversationID, out.Content, out.CreatedAt)
	})
	return out, result, err
}

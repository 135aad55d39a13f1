package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `correlation_id, conversation_id, payload, status, attempts, retryable, error_message, created_at, updated_at`

func scanOutbox(row rowScanner) (OutboxEntry, error) {
	var (
		e                OutboxEntry
		payload          string
		created, updated int64
	)
	if err := row.Scan(&e.CorrelationID, &e.ConversationID, &payload, &e.Status, &e.Attempts, &e.Retryable, &e.ErrorMessage, &created, &updated); err != nil {
		return OutboxEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return OutboxEntry{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

func insertOutbox(tx *sql.Tx, e OutboxEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	if e.Status == "" {
		e.Status = OutboxPending
	}
	now := time.Now().UnixMilli()
	created := toMillis(e.CreatedAt)
	if created == 0 {
		created = now
	}
	if _, err := tx.Exec(`
		INSERT INTO outbox (correlation_id, conversation_id, payload, status, attempts, retryable, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		e.CorrelationID, e.ConversationID, string(payload), e.Status, e.Attempts, e.Retryable, e.ErrorMessage, created, now); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// PutOutboxEntry records an entry. A second entry for the same correlation
// id is ignored.
func (db *DB) PutOutboxEntry(e OutboxEntry) error {
	return db.withTx(func(tx *sql.Tx) error { return insertOutbox(tx, e) })
}

// CreateOptimistic persists a new local message together with its outbox
// entry. If the correlation id is already known nothing is written and the
// existing message is returned with created=false.
func (db *DB) CreateOptimistic(m Message, e OutboxEntry) (out Message, created bool, err error) {
	err = db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.Exec(`
			INSERT INTO messages (correlation_id, conversation_id, sender_id, content, status, local_sent_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(correlation_id) DO NOTHING`,
			m.CorrelationID, m.ConversationID, m.SenderID, m.Content, m.Status, toMillis(m.LocalSentAt), now)
		if err != nil {
			return fmt.Errorf("insert optimistic message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out, err = messageWhere(tx, "correlation_id = ?", m.CorrelationID)
			return err
		}
		if err := insertOutbox(tx, e); err != nil {
			return err
		}
		out, err = messageWhere(tx, "correlation_id = ?", m.CorrelationID)
		created = true
		return err
	})
	return out, created, err
}

// ListPending returns entries still waiting for the server, oldest first.
func (db *DB) ListPending() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY created_at ASC`, OutboxPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutboxEntry returns a single entry.
func (db *DB) OutboxEntry(correlationID string) (OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE correlation_id = ?`, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, ErrNotFound
	}
	return e, err
}

// MarkOutboxStatus sets the sync status of an entry.
func (db *DB) MarkOutboxStatus(correlationID string, status OutboxStatus) error {
	res, err := db.exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE correlation_id = ?`,
		status, time.Now().UnixMilli(), correlationID)
	if err != nil {
		return fmt.Errorf("mark outbox %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func syncOutbox(tx *sql.Tx, correlationID string) error {
	if _, err := tx.Exec(`
		UPDATE outbox SET status = ?, error_message = '', updated_at = ?
		WHERE correlation_id = ? AND status != ?`,
		OutboxSynced, time.Now().UnixMilli(), correlationID, OutboxSynced); err != nil {
		return fmt.Errorf("mark outbox synced: %w", err)
	}
	return nil
}

// ConfirmSent records the server acknowledgment of an outbox entry: the
// entry becomes synced and its message gets the server id and time.
func (db *DB) ConfirmSent(correlationID, serverID string, createdAt time.Time) (Message, error) {
	var out Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageWhere(tx, "correlation_id = ?", correlationID)
		if err != nil {
			return err
		}
		m.ServerID = serverID
		if !createdAt.IsZero() {
			m.CreatedAt = createdAt
		}
		m.Status = Promote(m.Status, StatusSent)
		if _, err := tx.Exec(`
			UPDATE messages SET server_id = ?, created_at = ?, status = ?, hidden = 0, updated_at = ?
			WHERE id = ?`,
			m.ServerID, toMillis(m.CreatedAt), m.Status, time.Now().UnixMilli(), m.ID); err != nil {
			return fmt.Errorf("confirm message: %w", err)
		}
		if _, err := tx.Exec(`UPDATE outbox SET attempts = attempts + 1 WHERE correlation_id = ?`, correlationID); err != nil {
			return fmt.Errorf("count attempt: %w", err)
		}
		if err := syncOutbox(tx, correlationID); err != nil {
			return err
		}
		out = m
		return bumpConversation(tx, m.ConversationID, m.Content, m.CreatedAt)
	})
	return out, err
}

// FailOutbox records a failed attempt. The entry and its message become
// failed, unless the message has meanwhile been confirmed by a server echo,
// in which case the entry is synced instead.
func (db *DB) FailOutbox(correlationID, errMsg string, retryable bool) (Message, error) {
	var out Message
	err := db.withTx(func(tx *sql.Tx) error {
		m, err := messageWhere(tx, "correlation_id = ?", correlationID)
		if err != nil {
			return err
		}
		if m.Confirmed() {
			out = m
			return syncOutbox(tx, correlationID)
		}
		if _, err := tx.Exec(`
			UPDATE outbox SET status = ?, attempts = attempts + 1, retryable = ?, error_message = ?, updated_at = ?
			WHERE correlation_id = ?`,
			OutboxFailed, retryable, errMsg, time.Now().UnixMilli(), correlationID); err != nil {
			return fmt.Errorf("mark outbox failed: %w", err)
		}
		m.Status = Promote(m.Status, StatusFailed)
		out = m
		return setStatus(tx, m.ID, m.Status)
	})
	return out, err
}

// RequeueOutbox moves a failed entry back to pending and its message back
// to sending. It returns ErrNotFound when there is no failed entry.
func (db *DB) RequeueOutbox(correlationID string) error {
	return db.withTx(func(tx *sql.Tx) error {
		return requeue(tx, correlationID)
	})
}

func requeue(tx *sql.Tx, correlationID string) error {
	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE outbox SET status = ?, retryable = 1, error_message = '', updated_at = ?
		WHERE correlation_id = ? AND status = ?`,
		OutboxPending, now, correlationID, OutboxFailed)
	if err != nil {
		return fmt.Errorf("requeue outbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`
		UPDATE messages SET status = ?, hidden = 0, updated_at = ?
		WHERE correlation_id = ? AND status = ?`,
		StatusSending, now, correlationID, StatusFailed); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return nil
}

// RequeueRetryable moves transient failures with fewer than maxAttempts
// attempts back to pending. maxAttempts <= 0 means no cap. It returns the
// correlation ids that were requeued.
func (db *DB) RequeueRetryable(maxAttempts int) ([]string, error) {
	var ids []string
	err := db.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT correlation_id FROM outbox
			WHERE status = ? AND retryable = 1 AND (? <= 0 OR attempts < ?)
			ORDER BY created_at ASC`,
			OutboxFailed, maxAttempts, maxAttempts)
		if err != nil {
			return fmt.Errorf("list retryable: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := requeue(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// ListRetryable returns failed entries that may still be retried
// automatically, oldest first.
func (db *DB) ListRetryable(maxAttempts int) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ? AND retryable = 1 AND (? <= 0 OR attempts < ?)
		ORDER BY created_at ASC`,
		OutboxFailed, maxAttempts, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DiscardOutbox abandons a failed entry and hides its message.
func (db *DB) DiscardOutbox(correlationID string) error {
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.Exec(`
			UPDATE outbox SET status = ?, updated_at = ?
			WHERE correlation_id = ? AND status = ?`,
			OutboxDiscarded, now, correlationID, OutboxFailed)
		if err != nil {
			return fmt.Errorf("discard outbox: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(`UPDATE messages SET hidden = 1, updated_at = ? WHERE correlation_id = ?`, now, correlationID); err != nil {
			return fmt.Errorf("hide message: %w", err)
		}
		return nil
	})
}

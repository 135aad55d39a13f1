package store

import (
	"fmt"
	"time"
)

// PutReceipt records a receipt. Receipts only move forward (delivered to
// read); repeating one is a no-op. It reports whether anything changed.
func (db *DB) PutReceipt(r Receipt) (bool, error) {
	if r.Status == "" {
		r.Status = StatusRead
	}
	at := toMillis(r.At)
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	res, err := db.exec(`
		INSERT INTO receipts (message_id, user_id, status, at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			status = excluded.status,
			at = excluded.at
		WHERE receipts.status != excluded.status AND receipts.status != ?`,
		r.MessageID, r.UserID, r.Status, at, StatusRead)
	if err != nil {
		return false, fmt.Errorf("put receipt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasReceipt reports whether userID has a receipt for messageID at least as
// far along as status.
func (db *DB) HasReceipt(messageID, userID string, status Status) (bool, error) {
	var got Status
	err := db.QueryRow(`SELECT status FROM receipts WHERE message_id = ? AND user_id = ?`, messageID, userID).Scan(&got)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("get receipt: %w", err)
	}
	return got.rank() >= status.rank(), nil
}

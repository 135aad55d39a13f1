package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceMemberships makes conversationIDs the complete membership set of
// userID.
func (db *DB) ReplaceMemberships(userID string, conversationIDs []string) error {
	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM members WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("clear memberships: %w", err)
		}
		for _, id := range conversationIDs {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO members (conversation_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
				return fmt.Errorf("insert membership: %w", err)
			}
		}
		return nil
	})
}

// AddMembership records a single verified membership.
func (db *DB) AddMembership(conversationID, userID string) error {
	if _, err := db.exec(`INSERT OR IGNORE INTO members (conversation_id, user_id) VALUES (?, ?)`, conversationID, userID); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}

// RemoveMembership drops one membership from the local mirror.
func (db *DB) RemoveMembership(conversationID, userID string) error {
	if _, err := db.exec(`DELETE FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// IsMember reports whether the local mirror lists userID in conversationID.
func (db *DB) IsMember(conversationID, userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// Memberships lists the conversations userID belongs to.
func (db *DB) Memberships(userID string) ([]string, error) {
	rows, err := db.Query(`SELECT conversation_id FROM members WHERE user_id = ? ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
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

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

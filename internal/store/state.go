package store

import (
	"fmt"
	"time"
)

// SetState stores a sync checkpoint value.
func (db *DB) SetState(key, value string) error {
	_, err := db.exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState returns a checkpoint value, or ErrNotFound.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if isNoRows(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

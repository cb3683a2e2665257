package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PersistenceError wraps a failed read or write of durable state.
type PersistenceError struct {
	Op     string
	ChatID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s counter for chat %q: %v", e.Op, e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MessageCount returns the stored message count for a chat. ok is false when
// the chat has never been counted.
func (db *DB) MessageCount(chatID string) (count int, ok bool, err error) {
	err = db.QueryRow(`SELECT count FROM message_counters WHERE chat_id = ?`, chatID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &PersistenceError{Op: "read", ChatID: chatID, Err: err}
	}
	return count, true, nil
}

// SetMessageCount stores the message count observed for a chat.
func (db *DB) SetMessageCount(chatID string, count int) error {
	_, err := db.Exec(`
		INSERT INTO message_counters (chat_id, count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at`,
		chatID, count, time.Now().UnixMilli())
	if err != nil {
		return &PersistenceError{Op: "write", ChatID: chatID, Err: err}
	}
	return nil
}

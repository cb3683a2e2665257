package store

import (
	"database/sql"
	"errors"
	"time"
)

// QueueOutbox records an outgoing message before it is sent.
func (db *DB) QueueOutbox(clientMsgID, chatID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, chatID, body, now, now)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns an outbox entry by client message ID, nil if absent.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, chat_id, body, status, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AbandonQueued marks entries left 'queued' by a previous process as failed.
// Sends are synchronous, so a queued row at startup means the process died mid-send.
func (db *DB) AbandonQueued() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = 'abandoned at startup', updated_at = ? WHERE status = 'queued'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package storage

import (
	"context"
	"database/sql"
)

// InsertMessage inserts a chat-visible message if its id is not already
// present in the chat, returning whether a row was actually added.
func InsertMessage(ctx context.Context, db *sql.DB, m Message) (inserted bool, err error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, id, event_id, wrapper_event_id, author_pubkey, content, reply_to_id, kind, created_at, edited_at, pending, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, id) DO NOTHING`,
		m.ChatID, m.ID, m.EventID, m.WrapperEventID, m.AuthorPubkey, m.Content, m.ReplyToID, m.Kind, m.CreatedAt, m.EditedAt, boolToInt(m.Pending), boolToInt(m.Failed),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EditMessage rewrites the content of an existing message in place,
// preserving its id and position, per the edit-replay testable property.
func EditMessage(ctx context.Context, db *sql.DB, chatID, id, newContent string, editedAt int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET content = ?, edited_at = ? WHERE chat_id = ? AND id = ?`,
		newContent, editedAt, chatID, id,
	)
	return err
}

// MarkMessageFailed flags a message as failed-to-send and no longer
// pending, for optimistic pending-message rollback on exhausted publish
// retries.
func MarkMessageFailed(ctx context.Context, db *sql.DB, chatID, id string, failed bool) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET failed = ?, pending = 0 WHERE chat_id = ? AND id = ?`,
		boolToInt(failed), chatID, id,
	)
	return err
}

// ReplaceMessageID renames a pending message to the id assigned once its
// publish is confirmed (the rumor's bookkeeping id), recording the wrapper
// event id alongside it and clearing pending/failed. Used exactly once per
// message, at the pending -> confirmed transition; the row's chat_id and
// created_at (and therefore its position) never change.
func ReplaceMessageID(ctx context.Context, db *sql.DB, chatID, oldID, newID, eventID, wrapperEventID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages
		SET id = ?, event_id = ?, wrapper_event_id = ?, pending = 0, failed = 0
		WHERE chat_id = ? AND id = ?`,
		newID, eventID, wrapperEventID, chatID, oldID,
	)
	return err
}

// FindMessage loads a single message by chat and id.
func FindMessage(ctx context.Context, db *sql.DB, chatID, id string) (Message, bool, error) {
	var m Message
	var pending, failed int
	err := db.QueryRowContext(ctx, `
		SELECT chat_id, id, event_id, wrapper_event_id, author_pubkey, content, reply_to_id, kind, created_at, edited_at, pending, failed
		FROM messages WHERE chat_id = ? AND id = ?`, chatID, id,
	).Scan(&m.ChatID, &m.ID, &m.EventID, &m.WrapperEventID, &m.AuthorPubkey, &m.Content, &m.ReplyToID, &m.Kind, &m.CreatedAt, &m.EditedAt, &pending, &failed)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	m.Pending = pending != 0
	m.Failed = failed != 0
	return m, true, nil
}

// ListMessages returns a chat's messages ascending by created_at.
func ListMessages(ctx context.Context, db *sql.DB, chatID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, id, event_id, wrapper_event_id, author_pubkey, content, reply_to_id, kind, created_at, edited_at, pending, failed
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var pending, failed int
		if err := rows.Scan(&m.ChatID, &m.ID, &m.EventID, &m.WrapperEventID, &m.AuthorPubkey, &m.Content, &m.ReplyToID, &m.Kind, &m.CreatedAt, &m.EditedAt, &pending, &failed); err != nil {
			return nil, err
		}
		m.Pending = pending != 0
		m.Failed = failed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"context"
	"database/sql"
)

// InsertEvent stores a decrypted rumor event durably, ignoring duplicates —
// the events table is the append-only log edits are replayed from.
func InsertEvent(ctx context.Context, db *sql.DB, e Event) (inserted bool, err error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO events (id, chat_id, author_pubkey, kind, created_at, content, tags_json, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.ChatID, e.AuthorPubkey, e.Kind, e.CreatedAt, e.Content, e.TagsJSON, e.RawJSON,
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

// GetEvent loads a single event by id.
func GetEvent(ctx context.Context, db *sql.DB, id string) (Event, bool, error) {
	var e Event
	err := db.QueryRowContext(ctx, `
		SELECT id, chat_id, author_pubkey, kind, created_at, content, tags_json, raw_json
		FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.ChatID, &e.AuthorPubkey, &e.Kind, &e.CreatedAt, &e.Content, &e.TagsJSON, &e.RawJSON)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}

// ListEventsForChat returns every event recorded for a chat, ascending by
// created_at, for edit-replay reconstruction.
func ListEventsForChat(ctx context.Context, db *sql.DB, chatID string) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_id, author_pubkey, kind, created_at, content, tags_json, raw_json
		FROM events WHERE chat_id = ? ORDER BY created_at ASC`, chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ChatID, &e.AuthorPubkey, &e.Kind, &e.CreatedAt, &e.Content, &e.TagsJSON, &e.RawJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventExists reports whether an event id has already been recorded —
// the primary dedup check before processing a rumor.
func EventExists(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var x int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

package storage

import (
	"context"
	"database/sql"
)

// InsertReaction records a reaction, deduplicated by its originating event
// id — reacting twice with the same event never double-counts.
func InsertReaction(ctx context.Context, db *sql.DB, r Reaction) (inserted bool, err error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, chat_id, author_pubkey, emoji, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.MessageID, r.ChatID, r.AuthorPubkey, r.Emoji, r.CreatedAt,
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

// ListReactionsForMessage returns every reaction recorded against a message.
func ListReactionsForMessage(ctx context.Context, db *sql.DB, messageID string) ([]Reaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, chat_id, author_pubkey, emoji, created_at
		FROM reactions WHERE message_id = ? ORDER BY created_at ASC`, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ChatID, &r.AuthorPubkey, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
)

// UpsertChat inserts a chat row if absent, leaving an existing row's
// created_at untouched — chat identity is created once, on first contact.
func UpsertChat(ctx context.Context, db *sql.DB, c Chat) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (id, kind, dm_peer_pubkey, mls_group_id, created_at, last_message_at, last_read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Kind, c.DMPeerPubkey, c.MlsGroupID, c.CreatedAt, c.LastMessageAt, c.LastReadAt,
	)
	return err
}

// GetChat loads a chat by id. ok is false if no such chat exists.
func GetChat(ctx context.Context, db *sql.DB, id string) (Chat, bool, error) {
	var c Chat
	err := db.QueryRowContext(ctx, `
		SELECT id, kind, dm_peer_pubkey, mls_group_id, created_at, last_message_at, last_read_at
		FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.Kind, &c.DMPeerPubkey, &c.MlsGroupID, &c.CreatedAt, &c.LastMessageAt, &c.LastReadAt)
	if err == sql.ErrNoRows {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	return c, true, nil
}

// ListChats returns every chat ordered by most-recently-active first.
func ListChats(ctx context.Context, db *sql.DB) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, dm_peer_pubkey, mls_group_id, created_at, last_message_at, last_read_at
		FROM chats ORDER BY last_message_at DESC, created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Kind, &c.DMPeerPubkey, &c.MlsGroupID, &c.CreatedAt, &c.LastMessageAt, &c.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchChatLastMessage bumps last_message_at if the new value is greater,
// keeping chat ordering monotonic even when events arrive out of order.
func TouchChatLastMessage(ctx context.Context, db *sql.DB, chatID string, at int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE chats SET last_message_at = ? WHERE id = ? AND last_message_at < ?`,
		at, chatID, at,
	)
	return err
}

// SetChatLastRead marks a chat read up to the given timestamp.
func SetChatLastRead(ctx context.Context, db *sql.DB, chatID string, at int64) error {
	_, err := db.ExecContext(ctx, `UPDATE chats SET last_read_at = ? WHERE id = ?`, at, chatID)
	return err
}

// DeleteChat removes a chat row, cascading to its messages and events. Used
// by MLS group cleanup (both eviction and explicit leave) and never by the
// DM path, which keeps a chat alive for the lifetime of the account.
func DeleteChat(ctx context.Context, db *sql.DB, chatID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	return err
}

package storage

import (
	"context"
	"database/sql"
)

// InsertAttachment records a blob reference for a message.
func InsertAttachment(ctx context.Context, db *sql.DB, a Attachment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, chat_id, url, mime_type, size, enc_key, enc_nonce, local_path, width, height, blurhash, reusable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			local_path = CASE WHEN excluded.local_path != '' THEN excluded.local_path ELSE attachments.local_path END`,
		a.ID, a.MessageID, a.ChatID, a.URL, a.MimeType, a.Size, a.EncKey, a.EncNonce, a.LocalPath, a.Width, a.Height, a.Blurhash, boolToInt(a.Reusable),
	)
	return err
}

// ReassignAttachmentMessageID repoints an attachment row at the id a
// pending message was renamed to once its send confirms, mirroring
// ReplaceMessageID's rename of the owning message itself. A no-op if no
// attachment was ever recorded under oldMessageID.
func ReassignAttachmentMessageID(ctx context.Context, db *sql.DB, oldMessageID, newMessageID string) error {
	_, err := db.ExecContext(ctx, `UPDATE attachments SET message_id = ? WHERE message_id = ?`, newMessageID, oldMessageID)
	return err
}

// FindReusableAttachment looks up a prior upload of the same plaintext hash
// that is eligible for reuse (DM discipline only — MLS attachments are
// never reusable since their keys are epoch-derived).
func FindReusableAttachment(ctx context.Context, db *sql.DB, hash string) (Attachment, bool, error) {
	var a Attachment
	err := db.QueryRowContext(ctx, `
		SELECT id, message_id, chat_id, url, mime_type, size, enc_key, enc_nonce, local_path, width, height, blurhash, reusable
		FROM attachments WHERE id = ? AND reusable = 1 AND url != '' LIMIT 1`, hash,
	).Scan(&a.ID, &a.MessageID, &a.ChatID, &a.URL, &a.MimeType, &a.Size, &a.EncKey, &a.EncNonce, &a.LocalPath, &a.Width, &a.Height, &a.Blurhash, new(int))
	if err == sql.ErrNoRows {
		return Attachment{}, false, nil
	}
	if err != nil {
		return Attachment{}, false, err
	}
	a.Reusable = true
	return a, true, nil
}

// GetAttachment loads an attachment by id.
func GetAttachment(ctx context.Context, db *sql.DB, id string) (Attachment, bool, error) {
	var a Attachment
	var reusable int
	err := db.QueryRowContext(ctx, `
		SELECT id, message_id, chat_id, url, mime_type, size, enc_key, enc_nonce, local_path, width, height, blurhash, reusable
		FROM attachments WHERE id = ?`, id,
	).Scan(&a.ID, &a.MessageID, &a.ChatID, &a.URL, &a.MimeType, &a.Size, &a.EncKey, &a.EncNonce, &a.LocalPath, &a.Width, &a.Height, &a.Blurhash, &reusable)
	if err == sql.ErrNoRows {
		return Attachment{}, false, nil
	}
	if err != nil {
		return Attachment{}, false, err
	}
	a.Reusable = reusable != 0
	return a, true, nil
}

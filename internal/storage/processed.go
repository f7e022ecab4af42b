package storage

import (
	"context"
	"database/sql"
)

// IsEventProcessed reports whether a wrapper event has already been fed
// through the MLS driver, the pre-check that makes sync idempotent under
// relay replay.
func IsEventProcessed(ctx context.Context, db *sql.DB, eventID string) (bool, error) {
	var x int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// MarkEventProcessed records an event as handled, with its outcome kind for
// diagnostics. It is idempotent.
func MarkEventProcessed(ctx context.Context, db *sql.DB, eventID, groupID string, processedAt int64, outcome string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, group_id, processed_at, outcome)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, groupID, processedAt, outcome,
	)
	return err
}

// PruneProcessedEvents deletes processed-event rows older than the given
// timestamp, bounding the tracker's growth for long-lived groups.
func PruneProcessedEvents(ctx context.Context, db *sql.DB, olderThan int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, olderThan)
	return err
}

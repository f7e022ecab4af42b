package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upMessagesSendStatus, downMessagesSendStatus)
}

// upMessagesSendStatus adds the two columns the optimistic send path needs:
// pending (set while a message awaits publish confirmation) and
// wrapper_event_id (the outer gift-wrap/MLS wrapper id, once known, used
// for wrapper-level dedup per spec's events.wrapper_event_id column).
// Probed the same way 00002 probes profiles, so reapplying against an
// already-migrated database is a no-op.
func upMessagesSendStatus(ctx context.Context, tx *sql.Tx) error {
	cols, err := columnSet(ctx, tx, "messages")
	if err != nil {
		return err
	}
	if !cols["pending"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN pending INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}
	if !cols["wrapper_event_id"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN wrapper_event_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	return nil
}

func downMessagesSendStatus(ctx context.Context, tx *sql.Tx) error {
	// Additive-only, matching 00002's rationale for SQLite.
	return nil
}

func columnSet(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

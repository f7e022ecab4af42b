// Package storage owns the per-account SQLite schema: opening a pooled
// connection, running forward migrations, and exposing typed query/exec
// helpers for the chat, event, message, attachment, reaction, and MLS
// tables.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "github.com/vectorprivacy/vectorcore/internal/storage/migrations"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens the SQLite database at path and configures it for the
// single-writer, concurrent-reader access pattern this core relies on. Use
// ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite allows exactly one writer; serialize all access through a
	// single connection rather than fighting SQLITE_BUSY under a pool.
	db.SetMaxOpenConns(1)

	return db, nil
}

// Migrate runs every pending migration, forward only. It is safe to call on
// every process start and every InitProfileDatabase call: already-applied
// steps are no-ops.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return stampSchemaVersion(db)
}

func stampSchemaVersion(db *sql.DB) error {
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO settings(key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		fmt.Sprintf("%d", v),
	)
	return err
}

// SettingsGet reads a single settings value; ok is false if the key is
// unset.
func SettingsGet(ctx context.Context, db *sql.DB, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SettingsSet upserts a single settings value.
func SettingsSet(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// Package account implements the account manager: discovering on-disk
// accounts, tracking which one is active, and handing out a pooled database
// connection for it. The active-account and pooled-connection state is
// process-wide and guarded by a single mutex, mirroring the original
// lazy_static + Mutex discipline this core replaces with explicit Go state.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vectorprivacy/vectorcore/internal/storage"
)

// ErrNoAccountSelected is returned by CurrentAccount when nothing has been
// selected yet.
var ErrNoAccountSelected = errors.New("account: no account selected")

// Manager owns the account directory layout and the single pooled database
// connection for whichever account is currently active.
type Manager struct {
	dataDir string

	mu             sync.Mutex
	current        string
	pending        string
	pooledNpub     string
	pooledDB       *sql.DB
}

// New returns a Manager rooted at dataDir ("<app-data>/<npub>/" per account).
func New(dataDir string) *Manager {
	return &Manager{dataDir: dataDir}
}

func (m *Manager) profileDir(npub string) string {
	return filepath.Join(m.dataDir, npub)
}

func (m *Manager) databasePath(npub string) string {
	return filepath.Join(m.profileDir(npub), "vector.db")
}

// ListAccounts scans the data directory for npub-named directories holding
// a database with a non-empty "pkey" setting, removing any directory that
// looks like an account but fails that check.
func (m *Manager) ListAccounts(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var accounts []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "npub1") {
			continue
		}
		npub := e.Name()
		ok, err := m.accountHasValidKey(ctx, npub)
		if err != nil {
			continue
		}
		if ok {
			accounts = append(accounts, npub)
			continue
		}
		invalidDir := m.profileDir(npub)
		_ = os.RemoveAll(invalidDir)
	}
	return accounts, nil
}

func (m *Manager) accountHasValidKey(ctx context.Context, npub string) (bool, error) {
	path := m.databasePath(npub)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}

	db, err := storage.Open(path)
	if err != nil {
		return false, fmt.Errorf("open database for %s: %w", npub, err)
	}
	defer db.Close()

	value, ok, err := storage.SettingsGet(ctx, db, "pkey")
	if err != nil {
		return false, err
	}
	return ok && value != "", nil
}

// HasAnyAccount is a convenience wrapper around ListAccounts.
func (m *Manager) HasAnyAccount(ctx context.Context) bool {
	accounts, err := m.ListAccounts(ctx)
	return err == nil && len(accounts) > 0
}

// CurrentAccount returns the active npub, or ErrNoAccountSelected.
func (m *Manager) CurrentAccount() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return "", ErrNoAccountSelected
	}
	return m.current, nil
}

// AutoSelectAccount selects the first available account if none is active
// yet, returning "" if there are no accounts at all.
func (m *Manager) AutoSelectAccount(ctx context.Context) (string, error) {
	if current, err := m.CurrentAccount(); err == nil {
		return current, nil
	}

	accounts, err := m.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", nil
	}
	if err := m.SetCurrentAccount(accounts[0]); err != nil {
		return "", err
	}
	return accounts[0], nil
}

// SetCurrentAccount switches the active account, closing any pooled
// connection for the previous one.
func (m *Manager) SetCurrentAccount(npub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = npub
	return m.closeDBConnectionLocked()
}

// SetPendingAccount records an npub generated before its database exists
// yet (e.g. mid-signup, before the user has set an encryption passphrase).
func (m *Manager) SetPendingAccount(npub string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = npub
}

// PendingAccount returns the pending npub, if any.
func (m *Manager) PendingAccount() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// ClearPendingAccount drops the pending npub.
func (m *Manager) ClearPendingAccount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = ""
}

// GetDBConnection returns the pooled connection for the current account,
// opening and migrating one if the pool is empty or holds a different
// account's connection. The pool holds at most one open *sql.DB at a time.
func (m *Manager) GetDBConnection(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == "" {
		return nil, ErrNoAccountSelected
	}

	if m.pooledDB != nil {
		if m.pooledNpub == m.current {
			return m.pooledDB, nil
		}
		if err := m.closeDBConnectionLocked(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(m.profileDir(m.current), 0o700); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}

	db, err := storage.Open(m.databasePath(m.current))
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m.pooledDB = db
	m.pooledNpub = m.current
	return db, nil
}

// CloseDBConnection closes and evicts the pooled connection, if any.
func (m *Manager) CloseDBConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeDBConnectionLocked()
}

func (m *Manager) closeDBConnectionLocked() error {
	if m.pooledDB == nil {
		return nil
	}
	err := m.pooledDB.Close()
	m.pooledDB = nil
	m.pooledNpub = ""
	return err
}

// InitProfileDatabase creates (if absent) and migrates the database for
// npub, without making it the active account.
func (m *Manager) InitProfileDatabase(npub string) error {
	if err := os.MkdirAll(m.profileDir(npub), 0o700); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	db, err := storage.Open(m.databasePath(npub))
	if err != nil {
		return err
	}
	defer db.Close()
	return storage.Migrate(db)
}

// ProfileDir exposes the per-account file-layout root, for attachment and
// download path construction.
func (m *Manager) ProfileDir(npub string) string {
	return m.profileDir(npub)
}

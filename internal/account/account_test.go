package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorprivacy/vectorcore/internal/storage"
)

const testNpub = "npub1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"

func TestCurrentAccountBeforeSelection(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.CurrentAccount()
	require.ErrorIs(t, err, ErrNoAccountSelected)
}

func TestInitProfileDatabaseCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.InitProfileDatabase(testNpub))

	_, err := os.Stat(filepath.Join(dir, testNpub, "vector.db"))
	require.NoError(t, err)
}

func TestSetCurrentAccountAndGetDBConnection(t *testing.T) {
	ctx := context.Background()
	m := New(t.TempDir())

	require.NoError(t, m.InitProfileDatabase(testNpub))
	require.NoError(t, m.SetCurrentAccount(testNpub))

	got, err := m.CurrentAccount()
	require.NoError(t, err)
	require.Equal(t, testNpub, got)

	db, err := m.GetDBConnection(ctx)
	require.NoError(t, err)
	require.NotNil(t, db)

	// A second call for the same account must return the pooled connection.
	db2, err := m.GetDBConnection(ctx)
	require.NoError(t, err)
	require.Same(t, db, db2)
}

func TestGetDBConnectionWithoutSelection(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.GetDBConnection(context.Background())
	require.ErrorIs(t, err, ErrNoAccountSelected)
}

func TestSwitchingAccountClosesPreviousConnection(t *testing.T) {
	ctx := context.Background()
	m := New(t.TempDir())

	const other = "npub1rrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrr"

	require.NoError(t, m.InitProfileDatabase(testNpub))
	require.NoError(t, m.InitProfileDatabase(other))

	require.NoError(t, m.SetCurrentAccount(testNpub))
	db1, err := m.GetDBConnection(ctx)
	require.NoError(t, err)

	require.NoError(t, m.SetCurrentAccount(other))
	db2, err := m.GetDBConnection(ctx)
	require.NoError(t, err)

	require.NotSame(t, db1, db2)
	// The first connection must have been closed on switch; pinging it
	// should now fail.
	require.Error(t, db1.Ping())
}

func TestListAccountsPrunesInvalidDirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := New(dir)

	// A valid account: has a database with a non-empty pkey setting.
	require.NoError(t, m.InitProfileDatabase(testNpub))
	require.NoError(t, m.SetCurrentAccount(testNpub))
	db, err := m.GetDBConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.SettingsSet(ctx, db, "pkey", "deadbeef"))
	require.NoError(t, m.CloseDBConnection())

	// An npub-looking directory with no valid key must be pruned.
	bogus := "npub1zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, bogus), 0o700))

	// A non-npub directory must be ignored entirely.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-an-account"), 0o700))

	accounts, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{testNpub}, accounts)

	_, err = os.Stat(filepath.Join(dir, bogus))
	require.True(t, os.IsNotExist(err))
}

func TestListAccountsEmptyDataDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "does-not-exist"))
	accounts, err := m.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestAutoSelectAccountPicksFirst(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.InitProfileDatabase(testNpub))
	require.NoError(t, m.SetCurrentAccount(testNpub))
	db, err := m.GetDBConnection(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.SettingsSet(ctx, db, "pkey", "deadbeef"))
	require.NoError(t, m.CloseDBConnection())
	// Drop the selection so AutoSelectAccount has to discover it fresh.
	m.mu.Lock()
	m.current = ""
	m.mu.Unlock()

	selected, err := m.AutoSelectAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, testNpub, selected)
}

func TestPendingAccountLifecycle(t *testing.T) {
	m := New(t.TempDir())
	require.Empty(t, m.PendingAccount())

	m.SetPendingAccount(testNpub)
	require.Equal(t, testNpub, m.PendingAccount())

	m.ClearPendingAccount()
	require.Empty(t, m.PendingAccount())
}

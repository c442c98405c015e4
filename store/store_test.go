package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesPragmasAndMigrations(t *testing.T) {
	s := openTestStore(t)

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count))
	assert.Greater(t, count, 0)
}

func TestOpen_IsIdempotentAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.DB().QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&count))
	assert.Greater(t, count, 0)
}

func TestWithWriteLock_RunsFnAgainstTheUnderlyingDB(t *testing.T) {
	s := openTestStore(t)

	var sawDB bool
	err := s.WithWriteLock(func(db *sql.DB) error {
		sawDB = db == s.DB()
		_, execErr := db.Exec("SELECT 1")
		return execErr
	})
	require.NoError(t, err)
	assert.True(t, sawDB)
}

func TestClear_EmptiesIndexedTables(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, UpsertSolution(s.DB(), Solution{SolutionID: "sol-1", UniqueName: "Contoso", IsSource: true}))
	sols, err := ListSolutions(s.DB())
	require.NoError(t, err)
	require.Len(t, sols, 1)

	require.NoError(t, s.Clear())

	sols, err = ListSolutions(s.DB())
	require.NoError(t, err)
	assert.Empty(t, sols)
}

func TestSanitizeConnectionID_StripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "abc_123__-_XYZ", SanitizeConnectionID("abc/123:_-*XYZ"))
}

func TestDBPath_IncludesPluginAndSanitizedConnection(t *testing.T) {
	path := DBPath("/data", "my.plugin", "conn/1")
	assert.Equal(t, filepath.Join("/data", "my.plugin", "analyzer_conn_1.db"), path)
}

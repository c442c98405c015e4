package token

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddkit/ddk/model"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenCache(filepath.Join(dir, "tokens.db"), filepath.Join(dir, "key.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGet_RoundTripsRecord(t *testing.T) {
	c := openTestCache(t)
	rec := &model.AccessTokenRecord{ConnectionID: "conn-1", Token: "secret", Principal: "alice", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, c.Put("conn-1", rec))

	got, err := c.Get("conn-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Token, got.Token)
	assert.Equal(t, rec.Principal, got.Principal)
}

func TestGet_MissingConnectionReturnsError(t *testing.T) {
	c := openTestCache(t)
	_, err := c.Get("missing")
	require.Error(t, err)
}

func TestPut_OverwritesExistingRecord(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("conn-1", &model.AccessTokenRecord{Token: "first"}))
	require.NoError(t, c.Put("conn-1", &model.AccessTokenRecord{Token: "second"}))

	got, err := c.Get("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Token)
}

func TestDelete_RemovesRecord(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("conn-1", &model.AccessTokenRecord{Token: "x"}))
	require.NoError(t, c.Delete("conn-1"))

	_, err := c.Get("conn-1")
	require.Error(t, err)
}

func TestOpenCache_ReusesPersistedKeyAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tokens.db")
	keyPath := filepath.Join(dir, "key.bin")

	c1, err := OpenCache(dbPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, c1.Put("conn-1", &model.AccessTokenRecord{Token: "persisted"}))
	require.NoError(t, c1.Close())

	c2, err := OpenCache(dbPath, keyPath)
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.Get("conn-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Token)
}

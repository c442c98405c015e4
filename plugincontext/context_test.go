package plugincontext

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddkit/ddk/model"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "storage"), nil, nil)
	require.NoError(t, err)
	return c
}

func TestNew_CreatesStorageDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "storage")
	c, err := New(dir, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, c.StoragePath)
	assert.DirExists(t, dir)
}

func TestEmitEvent_SetsTimestampWhenZero(t *testing.T) {
	c := newTestContext(t)
	c.EmitEvent(model.Event{Type: "indexed"})

	events, next := c.DrainSince(0)
	require.Len(t, events, 1)
	assert.Equal(t, 1, next)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEmitEvent_PreservesExplicitTimestamp(t *testing.T) {
	c := newTestContext(t)
	ts := time.Now().Add(-time.Hour)
	c.EmitEvent(model.Event{Type: "indexed", Timestamp: ts})

	events, _ := c.DrainSince(0)
	require.Len(t, events, 1)
	assert.True(t, ts.Equal(events[0].Timestamp))
}

func TestEmitEvent_DropsOldestWhenBufferFull(t *testing.T) {
	c := newTestContext(t)
	c.bufCap = 2

	c.EmitEvent(model.Event{Type: "one"})
	c.EmitEvent(model.Event{Type: "two"})
	c.EmitEvent(model.Event{Type: "three"})

	assert.Equal(t, uint64(1), c.DroppedEvents())
	events, next := c.DrainSince(0)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Type)
	assert.Equal(t, "three", events[1].Type)
	assert.Equal(t, 2, next)
}

func TestDrainSince_ReturnsOnlyNewEventsFromIndex(t *testing.T) {
	c := newTestContext(t)
	c.EmitEvent(model.Event{Type: "one"})
	first, next := c.DrainSince(0)
	require.Len(t, first, 1)

	c.EmitEvent(model.Event{Type: "two"})
	second, next2 := c.DrainSince(next)
	require.Len(t, second, 1)
	assert.Equal(t, "two", second[0].Type)
	assert.Equal(t, 2, next2)
}

func TestDrainSince_ClampsOutOfRangeIndexToZero(t *testing.T) {
	c := newTestContext(t)
	c.EmitEvent(model.Event{Type: "one"})

	events, next := c.DrainSince(99)
	require.Len(t, events, 1)
	assert.Equal(t, 1, next)

	events, next = c.DrainSince(-1)
	require.Len(t, events, 1)
	assert.Equal(t, 1, next)
}

func TestSetConfig_ThenGetConfig_RoundTrips(t *testing.T) {
	c := newTestContext(t)
	require.NoError(t, c.SetConfig("retries", float64(3)))

	v, err := c.GetConfig("retries")
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestGetConfig_MissingKeyReturnsNil(t *testing.T) {
	c := newTestContext(t)
	v, err := c.GetConfig("missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSetConfig_PersistsAcrossNewContextInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "storage")
	c1, err := New(dir, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c1.SetConfig("mode", "fast"))

	c2, err := New(dir, nil, nil)
	require.NoError(t, err)
	v, err := c2.GetConfig("mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestSetConfig_LastWriterWinsOnSameKey(t *testing.T) {
	c := newTestContext(t)
	require.NoError(t, c.SetConfig("mode", "fast"))
	require.NoError(t, c.SetConfig("mode", "slow"))

	v, err := c.GetConfig("mode")
	require.NoError(t, err)
	assert.Equal(t, "slow", v)
}

package ssp

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBufferPutGetAndRetrieveFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qb")
	tbl, err := OpenQueueBufferTable(path, 8)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put(0, QueueBufferEntry{MsgName: "batch-001", MsgNumber: 1, FilesToSend: 3, CreationTime: time.Now(), PID: PendingSentinel}))
	require.NoError(t, tbl.Put(1, QueueBufferEntry{PID: 4242}))

	out, err := tbl.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "batch-001", out.MsgName)
	assert.False(t, out.Retrieve())

	retrieve, err := tbl.Get(1)
	require.NoError(t, err)
	assert.True(t, retrieve.Retrieve())
}

func TestQueueBufferCompactMovesEntriesLeft(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qb")
	tbl, err := OpenQueueBufferTable(path, 8)
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Put(0, QueueBufferEntry{MsgName: "a"}))
	require.NoError(t, tbl.Put(1, QueueBufferEntry{MsgName: "b"}))
	require.NoError(t, tbl.Put(2, QueueBufferEntry{MsgName: "c"}))

	require.NoError(t, tbl.Compact(0))
	require.Equal(t, 2, tbl.Count())

	first, err := tbl.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "b", first.MsgName)

	second, err := tbl.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "c", second.MsgName)
}

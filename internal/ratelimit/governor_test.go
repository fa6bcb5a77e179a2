package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitTransferRateThrottlesOverBudget(t *testing.T) {
	g := New(1024, time.Minute) // 1 KiB/s, burst 1 KiB
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.LimitTransferRate(ctx, 1024)) // drains the burst, no wait
	require.NoError(t, g.LimitTransferRate(ctx, 1024)) // must wait ~1s for refill
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

func TestLimitTransferRateDisabledWhenZero(t *testing.T) {
	g := New(0, time.Minute)
	start := time.Now()
	require.NoError(t, g.LimitTransferRate(context.Background(), 10<<20))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestKeepaliveDueRespectsFloor(t *testing.T) {
	g := New(0, 2*time.Second) // transfer_timeout - 5 would be negative
	frozen := time.Now()
	g.now = func() time.Time { return frozen }
	g.NoteFirstWrite()

	g.now = func() time.Time { return frozen.Add(3 * time.Second) }
	assert.False(t, g.KeepaliveDue(), "must not fire before the MIN_KEEP_ALIVE_INTERVAL floor")

	g.now = func() time.Time { return frozen.Add(6 * time.Second) }
	assert.True(t, g.KeepaliveDue())
}

func TestTransferStalledDetectsExceededTimeout(t *testing.T) {
	g := New(0, time.Second)
	frozen := time.Now()
	g.now = func() time.Time { return frozen }
	g.NoteFirstWrite()

	g.now = func() time.Time { return frozen.Add(500 * time.Millisecond) }
	assert.False(t, g.TransferStalled())

	g.now = func() time.Time { return frozen.Add(2 * time.Second) }
	assert.True(t, g.TransferStalled())
}

func TestResetClearsStallClock(t *testing.T) {
	g := New(0, time.Second)
	g.NoteFirstWrite()
	g.Reset()
	assert.False(t, g.TransferStalled())
}

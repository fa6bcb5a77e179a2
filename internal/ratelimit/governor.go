// Package ratelimit implements the Rate & Timeout Governor (RTG):
// per-file transfer throttling, control-channel keepalive scheduling, and
// stall detection (spec.md §4.5).
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// MinKeepAliveInterval is the floor below which a keepalive probe is
// never scheduled, matching spec.md §4.5's MIN_KEEP_ALIVE_INTERVAL.
const MinKeepAliveInterval = 5 * time.Second

// Governor throttles one worker's outbound bytes and tracks when a
// keepalive or stall deadline has elapsed. It is not safe for concurrent
// use from more than one goroutine — the worker is single-threaded per
// spec.md §5.
type Governor struct {
	limiter *rate.Limiter

	lastActivity    time.Time
	lastKeepalive   time.Time
	firstWriteAt    time.Time
	transferTimeout time.Duration
	now             func() time.Time
}

// New builds a Governor. bytesPerSec <= 0 disables rate limiting
// entirely (limiter is nil); transferTimeout <= 0 disables stall
// detection.
func New(bytesPerSec int64, transferTimeout time.Duration) *Governor {
	g := &Governor{
		transferTimeout: transferTimeout,
		now:             time.Now,
	}
	if bytesPerSec > 0 {
		// Burst equals one second's worth of bytes, so a fresh Governor
		// does not stall the first block while the bucket fills.
		g.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}
	return g
}

// LimitTransferRate blocks the minimal duration needed to keep
// cumulative throughput at or below the configured bound, resetting on
// each transition from idle (handled implicitly: token bucket refill is
// continuous, so an idle gap simply accrues burst credit up to the
// bucket size).
func (g *Governor) LimitTransferRate(ctx context.Context, n int) error {
	g.lastActivity = g.now()
	if g.limiter == nil {
		return nil
	}
	return g.limiter.WaitN(ctx, n)
}

// NoteFirstWrite marks the start of a file's transfer, the reference
// point stall detection measures from.
func (g *Governor) NoteFirstWrite() {
	g.firstWriteAt = g.now()
	g.lastActivity = g.firstWriteAt
}

// NoteKeepalive records that a keepalive probe was just sent.
func (g *Governor) NoteKeepalive() {
	g.lastKeepalive = g.now()
}

// KeepaliveDue reports whether a STAT probe should be sent, per the
// max(transfer_timeout-5, MIN_KEEP_ALIVE_INTERVAL) rule.
func (g *Governor) KeepaliveDue() bool {
	interval := g.transferTimeout - 5*time.Second
	if interval < MinKeepAliveInterval {
		interval = MinKeepAliveInterval
	}
	ref := g.lastKeepalive
	if ref.IsZero() {
		ref = g.firstWriteAt
	}
	if ref.IsZero() {
		return false
	}
	return g.now().Sub(ref) >= interval
}

// TransferStalled reports whether the current file's elapsed time since
// its first write has exceeded the configured transfer timeout — the
// per-file stall check, not the keepalive check.
func (g *Governor) TransferStalled() bool {
	if g.transferTimeout <= 0 || g.firstWriteAt.IsZero() {
		return false
	}
	return g.now().Sub(g.firstWriteAt) > g.transferTimeout
}

// Reset clears the per-file stall clock; the per-file pipeline calls it
// when a file's transfer loop ends.
func (g *Governor) Reset() {
	g.firstWriteAt = time.Time{}
	g.lastActivity = time.Time{}
}

package ssp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LockKind identifies one of the five byte-range lock regions scoped to a
// single host record (spec §4.1).
type LockKind int

const (
	LockCON LockKind = iota // connections
	LockFIU                 // file-in-use
	LockTFC                 // total file counters
	LockEC                  // error counter
	LockHS                  // host status flags
)

// lockKindCount must match the number of LockKind values; each gets its own
// single-byte region within the host record so the five locks never
// contend with each other even though they share one record.
const lockKindCount = 5

func (k LockKind) String() string {
	switch k {
	case LockCON:
		return "CON"
	case LockFIU:
		return "FIU"
	case LockTFC:
		return "TFC"
	case LockEC:
		return "EC"
	case LockHS:
		return "HS"
	default:
		return "UNKNOWN"
	}
}

// HostLock is an exclusive-writer byte-range lock over one (host, kind)
// pair. Readers never acquire it — spec §4.1: "readers do not lock (reads
// are advisory)".
type HostLock struct {
	fd     uintptr
	start  int64
	kind   LockKind
	locked bool
}

// NewHostLock builds a lock handle for host record at recordOffset on fd.
func NewHostLock(fd uintptr, recordOffset int64, kind LockKind) *HostLock {
	return &HostLock{fd: fd, start: recordOffset + int64(kind), kind: kind}
}

// Lock blocks until the exclusive byte-range lock is acquired.
func (l *HostLock) Lock() error {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0, // SEEK_SET
		Start:  l.start,
		Len:    1,
	}
	if err := unix.FcntlFlock(l.fd, unix.F_SETLKW, &flock); err != nil {
		return fmt.Errorf("ssp: lock %s failed: %w", l.kind, err)
	}
	l.locked = true
	return nil
}

// TryLock attempts a non-blocking acquire, returning ok=false if already
// held elsewhere.
func (l *HostLock) TryLock() (ok bool, err error) {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  l.start,
		Len:    1,
	}
	if err := unix.FcntlFlock(l.fd, unix.F_SETLK, &flock); err != nil {
		if err == unix.EACCES || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("ssp: trylock %s failed: %w", l.kind, err)
	}
	l.locked = true
	return true, nil
}

// Unlock releases the region.
func (l *HostLock) Unlock() error {
	if !l.locked {
		return nil
	}
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  l.start,
		Len:    1,
	}
	if err := unix.FcntlFlock(l.fd, unix.F_SETLK, &flock); err != nil {
		return fmt.Errorf("ssp: unlock %s failed: %w", l.kind, err)
	}
	l.locked = false
	return nil
}

// WithHostLock runs fn while holding kind's lock on the host at pos,
// unlocking unconditionally afterward. This is the shape every SSP
// mutation in this package uses (UpdateTransferCounters,
// UnsetErrorCounterFSA) to bound the critical section (spec §4.1: "All are
// exclusive writer locks held for bounded critical sections").
func WithHostLock(fd uintptr, recordOffset int64, kind LockKind, fn func() error) error {
	l := NewHostLock(fd, recordOffset, kind)
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

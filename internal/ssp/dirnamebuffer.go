package ssp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const dirPathWidth = 1024

const dnbRecordSize = 4 /*dirID*/ + dirPathWidth

// DirNameBuffer is the read-only, immutable-during-run dir id -> absolute
// path mapping (spec §3 "dnb").
type DirNameBuffer struct {
	mf *mappedFile
}

// OpenDirNameBuffer maps the dnb file read-write; the worker only reads it.
func OpenDirNameBuffer(path string, maxEntries int) (*DirNameBuffer, error) {
	mf, err := openMapped(path, dnbRecordSize, maxEntries)
	if err != nil {
		return nil, err
	}
	return &DirNameBuffer{mf: mf}, nil
}

func (d *DirNameBuffer) Close() error { return d.mf.close() }

func (d *DirNameBuffer) Count() int { return d.mf.recordCount }

// Lookup returns the absolute path for dirID, or ok=false if not present.
func (d *DirNameBuffer) Lookup(dirID int32) (string, bool) {
	for i := 0; i < d.mf.recordCount; i++ {
		c := &cursor{buf: d.mf.record(i)}
		id := c.getInt32()
		if id == dirID {
			return c.getString(dirPathWidth), true
		}
	}
	return "", false
}

// Remap is provided for completeness (the supervisor may repopulate dnb
// between runs); the worker itself never writes this table (spec §3:
// "Read-only for the core").
func (d *DirNameBuffer) Remap() error {
	if err := unix.Munmap(d.mf.data); err != nil {
		return fmt.Errorf("ssp: dnb remap munmap: %w", err)
	}
	info, err := d.mf.file.Stat()
	if err != nil {
		return fmt.Errorf("ssp: dnb remap stat: %w", err)
	}
	data, err := unix.Mmap(int(d.mf.file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("ssp: dnb remap mmap: %w", err)
	}
	d.mf.data = data
	return nil
}

package ssp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const protocolTypeWidth = 8

const jobCacheRecordSize = 4 /*jobID*/ + 4 /*hostPosition*/ + protocolTypeWidth +
	4 /*port*/ + 4 /*ageLimit*/ + 4 /*ageingRank*/ + 8 /*messageMtime*/ + 8 /*lastTransfer*/

// jobCachePageRecords is the growth unit for the resizable mdb mapping
// (spec §3: "grown in units of a fixed page size").
const jobCachePageRecords = 256

// JobCacheTable is the typed view over the Job Cache (mdb) shared file. It
// grows by remapping in page-sized increments and never shrinks except via
// Compact, which callers must only invoke during quiesced maintenance.
type JobCacheTable struct {
	mf   *mappedFile
	path string
}

// OpenJobCacheTable attaches to the mdb file, initially sized for one page
// of records.
func OpenJobCacheTable(path string) (*JobCacheTable, error) {
	mf, err := openMapped(path, jobCacheRecordSize, jobCachePageRecords)
	if err != nil {
		return nil, err
	}
	return &JobCacheTable{mf: mf, path: path}, nil
}

func (t *JobCacheTable) Close() error { return t.mf.close() }

func (t *JobCacheTable) Count() int { return t.mf.recordCount }

func (t *JobCacheTable) capacity() int {
	return (len(t.mf.data) - headerSize) / t.mf.recordSize
}

// Append adds a new mdb entry, growing the mapping by a full page when the
// current capacity is exhausted (spec §3: "cache entries are append-only
// while a worker is running against them").
func (t *JobCacheTable) Append(e JobCacheEntry) error {
	if t.mf.recordCount >= t.capacity() {
		if err := t.grow(jobCachePageRecords); err != nil {
			return err
		}
	}
	pos := t.mf.recordCount
	encodeJobCacheEntry(t.mf.record(pos), e)
	t.mf.setCount(pos + 1)
	return nil
}

// Get decodes entry at pos.
func (t *JobCacheTable) Get(pos int) (JobCacheEntry, error) {
	if pos < 0 || pos >= t.mf.recordCount {
		return JobCacheEntry{}, fmt.Errorf("ssp: job cache position %d out of range", pos)
	}
	return decodeJobCacheEntry(t.mf.record(pos)), nil
}

// FindByJobID scans for the entry matching jobID; the table has no index,
// matching the original's flat linear mdb scan.
func (t *JobCacheTable) FindByJobID(jobID uint32) (JobCacheEntry, bool) {
	for i := 0; i < t.mf.recordCount; i++ {
		e := decodeJobCacheEntry(t.mf.record(i))
		if e.JobID == jobID {
			return e, true
		}
	}
	return JobCacheEntry{}, false
}

// Compact rewrites the table keeping only entries for which keep returns
// true. Callers must only invoke this during quiesced maintenance (spec §3:
// "shrinking is performed only during quiesced maintenance").
func (t *JobCacheTable) Compact(keep func(JobCacheEntry) bool) error {
	var kept []JobCacheEntry
	for i := 0; i < t.mf.recordCount; i++ {
		e := decodeJobCacheEntry(t.mf.record(i))
		if keep(e) {
			kept = append(kept, e)
		}
	}
	for i, e := range kept {
		encodeJobCacheEntry(t.mf.record(i), e)
	}
	t.mf.setCount(len(kept))
	return nil
}

func (t *JobCacheTable) grow(extraRecords int) error {
	newCapacity := t.capacity() + extraRecords
	newSize := headerSize + t.mf.recordSize*newCapacity

	if err := t.mf.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("ssp: grow mdb truncate: %w", err)
	}
	if err := unix.Munmap(t.mf.data); err != nil {
		return fmt.Errorf("ssp: grow mdb munmap: %w", err)
	}
	data, err := unix.Mmap(int(t.mf.file.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("ssp: grow mdb remap: %w", err)
	}
	t.mf.data = data
	return nil
}

func encodeJobCacheEntry(b []byte, e JobCacheEntry) {
	c := &cursor{buf: b}
	c.putUint32(e.JobID)
	c.putInt32(e.HostPosition)
	c.putString(protocolTypeWidth, e.ProtocolType)
	c.putInt32(e.Port)
	c.putInt32(e.AgeLimit)
	c.putInt32(e.AgeingRank)
	c.putInt64(e.MessageMtime.UnixNano())
	c.putInt64(e.LastTransfer.UnixNano())
}

func decodeJobCacheEntry(b []byte) JobCacheEntry {
	c := &cursor{buf: b}
	var e JobCacheEntry
	e.JobID = c.getUint32()
	e.HostPosition = c.getInt32()
	e.ProtocolType = c.getString(protocolTypeWidth)
	e.Port = c.getInt32()
	e.AgeLimit = c.getInt32()
	e.AgeingRank = c.getInt32()
	e.MessageMtime = unixNano(c.getInt64())
	e.LastTransfer = unixNano(c.getInt64())
	return e
}

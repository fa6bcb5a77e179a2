package ssp

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// headerSize is the AFD_WORD_OFFSET-style header every shared table file
// carries: a 4-byte record count, a 1-byte version, and 3 bytes of padding
// to keep records 4-byte aligned (spec.md §6 "Shared memory tables").
const headerSize = 8

const tableVersion = 1

// mappedFile is a lightweight mmap-backed region shared by every table in
// this package. It owns the file descriptor used both for the mmap and for
// the FcntlFlock byte-range locks scoped over it.
type mappedFile struct {
	file        *os.File
	data        []byte
	recordSize  int
	recordCount int
}

func openMapped(path string, recordSize, maxRecords int) (*mappedFile, error) {
	size := headerSize + recordSize*maxRecords

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("ssp: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ssp: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ssp: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ssp: mmap %s: %w", path, err)
	}

	mf := &mappedFile{file: f, data: data, recordSize: recordSize}

	count := int(leUint32(data[0:4]))
	if data[4] == 0 && count == 0 {
		// Fresh table: stamp the header.
		putLEUint32(data[0:4], 0)
		data[4] = tableVersion
		mf.recordCount = 0
	} else {
		mf.recordCount = count
	}

	return mf, nil
}

func (m *mappedFile) close() error {
	if err := unix.Munmap(m.data); err != nil {
		m.file.Close()
		return fmt.Errorf("ssp: munmap: %w", err)
	}
	return m.file.Close()
}

func (m *mappedFile) sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mappedFile) setCount(n int) {
	m.recordCount = n
	putLEUint32(m.data[0:4], uint32(n))
}

func (m *mappedFile) record(pos int) []byte {
	off := headerSize + pos*m.recordSize
	return m.data[off : off+m.recordSize]
}

// recordOffset returns the file offset of record pos, used to scope
// FcntlFlock byte ranges to a single host record.
func (m *mappedFile) recordOffset(pos int) int64 {
	return int64(headerSize + pos*m.recordSize)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leInt64(b []byte) int64 {
	return int64(uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56)
}

func putLEInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
}

// putFixedString writes s into a fixed-width field, truncating if needed and
// zero-padding the remainder so reads can trim at the first NUL.
func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getFixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

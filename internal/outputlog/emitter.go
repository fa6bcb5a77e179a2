// Package outputlog implements the Output Log Emitter (OLE): one
// fixed-layout binary record per delivered or deleted file, written to a
// FIFO (spec.md §4.7, wire layout in §6).
package outputlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// OutputType tags why a record was emitted.
type OutputType byte

const (
	OTNormalDelivered OutputType = 'N'
	OTOtherProcDelete OutputType = 'O'
)

// Record is one delivered-or-deleted-file entry. TransferTime is in
// scheduler ticks, matching the source format's unit (spec.md §4.7).
type Record struct {
	Retries        uint32
	JobID          uint32
	TransferTime   int64
	FileSize       int64
	OutputType     OutputType
	UniquePrefix   string
	FileName       string
	RemoteName     string // optional; joined to FileName with Separator when non-empty
	ArchiveName    string
}

// Separator joins FileName and RemoteName when both are present, per
// spec.md §6 ("file-name (optionally sep remote-name)").
const Separator = byte(0xff)

// Encode renders r into the fixed layout spec.md §6 defines for the
// output log: retries(u32), job_id(u32), transfer_time(i64 ticks),
// file_size(i64), archive_name_length(u16), file_name_length(u16),
// unique_length(u16), output_type(u8), then the variable-length
// unique-prefix, file-name (optionally sep remote-name), archive-name.
func (r Record) Encode() ([]byte, error) {
	fileNameField := r.FileName
	if r.RemoteName != "" {
		fileNameField = r.FileName + string(Separator) + r.RemoteName
	}

	var buf bytes.Buffer
	header := struct {
		Retries      uint32
		JobID        uint32
		TransferTime int64
		FileSize     int64
		ArchiveLen   uint16
		FileNameLen  uint16
		UniqueLen    uint16
		OutputType   uint8
	}{
		Retries:      r.Retries,
		JobID:        r.JobID,
		TransferTime: r.TransferTime,
		FileSize:     r.FileSize,
		ArchiveLen:   uint16(len(r.ArchiveName)),
		FileNameLen:  uint16(len(fileNameField)),
		UniqueLen:    uint16(len(r.UniquePrefix)),
		OutputType:   uint8(r.OutputType),
	}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("outputlog: encoding header: %w", err)
	}
	buf.WriteString(r.UniquePrefix)
	buf.WriteString(fileNameField)
	buf.WriteString(r.ArchiveName)
	return buf.Bytes(), nil
}

// Emitter writes Records atomically to an underlying FIFO writer. A
// short write is logged by the caller but is not itself fatal (spec.md
// §4.7: "short writes are errors and logged but non-fatal").
type Emitter struct {
	w io.Writer
}

// New wraps w (typically an os.File opened on the output log FIFO).
func New(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// ErrShortWrite is returned when fewer bytes landed than the encoded
// record's length; the caller logs this and continues.
type ErrShortWrite struct {
	Wanted, Wrote int
}

func (e *ErrShortWrite) Error() string {
	return fmt.Sprintf("outputlog: short write: wanted %d, wrote %d", e.Wanted, e.Wrote)
}

// Emit encodes r and writes it in a single call, surfacing ErrShortWrite
// when the underlying writer accepted fewer bytes than encoded.
func (e *Emitter) Emit(r Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	n, err := e.w.Write(data)
	if err != nil {
		return fmt.Errorf("outputlog: writing record: %w", err)
	}
	if n != len(data) {
		return &ErrShortWrite{Wanted: len(data), Wrote: n}
	}
	return nil
}

// Decode parses a single record from data, returning the record and the
// number of bytes consumed. Used by tests and any downstream consumer of
// the log FIFO.
func Decode(data []byte) (Record, int, error) {
	const headerSize = 4 + 4 + 8 + 8 + 2 + 2 + 2 + 1
	if len(data) < headerSize {
		return Record{}, 0, fmt.Errorf("outputlog: truncated header")
	}
	r := Record{
		Retries:      binary.LittleEndian.Uint32(data[0:4]),
		JobID:        binary.LittleEndian.Uint32(data[4:8]),
		TransferTime: int64(binary.LittleEndian.Uint64(data[8:16])),
		FileSize:     int64(binary.LittleEndian.Uint64(data[16:24])),
	}
	archiveLen := binary.LittleEndian.Uint16(data[24:26])
	fileNameLen := binary.LittleEndian.Uint16(data[26:28])
	uniqueLen := binary.LittleEndian.Uint16(data[28:30])
	r.OutputType = OutputType(data[30])

	off := headerSize
	need := off + int(uniqueLen) + int(fileNameLen) + int(archiveLen)
	if len(data) < need {
		return Record{}, 0, fmt.Errorf("outputlog: truncated body")
	}
	r.UniquePrefix = string(data[off : off+int(uniqueLen)])
	off += int(uniqueLen)
	fileNameField := string(data[off : off+int(fileNameLen)])
	off += int(fileNameLen)
	r.ArchiveName = string(data[off : off+int(archiveLen)])
	off += int(archiveLen)

	if idx := bytes.IndexByte([]byte(fileNameField), Separator); idx >= 0 {
		r.FileName = fileNameField[:idx]
		r.RemoteName = fileNameField[idx+1:]
	} else {
		r.FileName = fileNameField
	}
	return r, off, nil
}

// Package fifoctl owns the FIFO control-plane mechanics shared by the
// worker and its supervisor: delete-record encode/decode and the
// dispatcher wake byte (spec.md §6). Output-log records are encoded by
// internal/outputlog, not here.
package fifoctl

import (
	"bytes"
	"fmt"
)

// DeleteKind is one of the three delete-record shapes a worker can write
// to the delete FIFO.
type DeleteKind byte

const (
	DeleteMessage      DeleteKind = 'D'
	DeleteSingleFile   DeleteKind = 'F'
	DeleteRetrieve     DeleteKind = 'R'
)

// DeleteRecord is a decoded delete FIFO entry.
type DeleteRecord struct {
	Kind        DeleteKind
	MessageName string // DeleteMessage, DeleteRetrieve (as "<msg_number> <pos>")
	FileName    string // DeleteSingleFile only
}

// EncodeDelete renders r into the wire format spec.md §6 defines:
// 'D' <message name>\0, 'F' <message name>/<file>\0\0, or
// 'R' "<msg_number> <pos>"\0.
func EncodeDelete(r DeleteRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Kind))
	switch r.Kind {
	case DeleteMessage:
		buf.WriteString(r.MessageName)
		buf.WriteByte(0)
	case DeleteSingleFile:
		buf.WriteString(r.MessageName)
		buf.WriteByte('/')
		buf.WriteString(r.FileName)
		buf.WriteByte(0)
		buf.WriteByte(0)
	case DeleteRetrieve:
		buf.WriteString(r.MessageName)
		buf.WriteByte(0)
	default:
		return nil, fmt.Errorf("fifoctl: unknown delete kind %q", r.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeDelete parses one record from data, returning the record and the
// number of bytes consumed.
func DecodeDelete(data []byte) (DeleteRecord, int, error) {
	if len(data) == 0 {
		return DeleteRecord{}, 0, fmt.Errorf("fifoctl: empty record")
	}
	kind := DeleteKind(data[0])
	switch kind {
	case DeleteMessage, DeleteRetrieve:
		idx := bytes.IndexByte(data[1:], 0)
		if idx < 0 {
			return DeleteRecord{}, 0, fmt.Errorf("fifoctl: unterminated %c record", kind)
		}
		return DeleteRecord{Kind: kind, MessageName: string(data[1 : 1+idx])}, 1 + idx + 1, nil
	case DeleteSingleFile:
		rest := data[1:]
		end := bytes.Index(rest, []byte{0, 0})
		if end < 0 {
			return DeleteRecord{}, 0, fmt.Errorf("fifoctl: unterminated F record")
		}
		body := rest[:end]
		sepIdx := bytes.IndexByte(body, '/')
		if sepIdx < 0 {
			return DeleteRecord{}, 0, fmt.Errorf("fifoctl: malformed F record, missing '/'")
		}
		return DeleteRecord{
			Kind:        kind,
			MessageName: string(body[:sepIdx]),
			FileName:    string(body[sepIdx+1:]),
		}, 1 + end + 2, nil
	default:
		return DeleteRecord{}, 0, fmt.Errorf("fifoctl: unknown delete kind byte %q", data[0])
	}
}

// WakeByte is the single byte written to the FD wake FIFO to wake the
// dispatcher (spec.md §4.1, §6).
const WakeByte = 0x00

// Waker writes the wake byte to an underlying FIFO writer. It satisfies
// ssp.DispatcherWaker via the Wake method.
type Waker struct {
	w interface{ Write([]byte) (int, error) }
}

// NewWaker wraps an already-open FIFO writer (typically an *os.File
// opened O_WRONLY on the wake FIFO path).
func NewWaker(w interface{ Write([]byte) (int, error) }) *Waker {
	return &Waker{w: w}
}

// Wake writes the single wake byte, satisfying ssp.DispatcherWaker.
func (w *Waker) Wake() error {
	_, err := w.w.Write([]byte{WakeByte})
	return err
}

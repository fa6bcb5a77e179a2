package ssp

import (
	"fmt"
	"time"
)

const msgNameWidth = 64

const qbRecordSize = msgNameWidth + 4 /*msgNumber*/ + 4 /*filesToSend*/ +
	8 /*fileSizeToSend*/ + 8 /*creationTime*/ + 4 /*pid*/

// QueueBufferTable is the typed view over the Queue Buffer (qb) shared
// file: one entry per pending message.
type QueueBufferTable struct {
	mf *mappedFile
}

// OpenQueueBufferTable attaches to the qb file, sized for up to maxEntries
// pending messages.
func OpenQueueBufferTable(path string, maxEntries int) (*QueueBufferTable, error) {
	mf, err := openMapped(path, qbRecordSize, maxEntries)
	if err != nil {
		return nil, err
	}
	return &QueueBufferTable{mf: mf}, nil
}

func (t *QueueBufferTable) Close() error { return t.mf.close() }

func (t *QueueBufferTable) Count() int { return t.mf.recordCount }

func (t *QueueBufferTable) capacity() int {
	return (len(t.mf.data) - headerSize) / t.mf.recordSize
}

func (t *QueueBufferTable) Get(pos int) (QueueBufferEntry, error) {
	if pos < 0 || pos >= t.mf.recordCount {
		return QueueBufferEntry{}, fmt.Errorf("ssp: qb position %d out of range", pos)
	}
	return decodeQueueBufferEntry(t.mf.record(pos)), nil
}

func (t *QueueBufferTable) Put(pos int, e QueueBufferEntry) error {
	if pos < 0 || pos >= t.capacity() {
		return fmt.Errorf("ssp: qb position %d out of range", pos)
	}
	encodeQueueBufferEntry(t.mf.record(pos), e)
	if pos >= t.mf.recordCount {
		t.mf.setCount(pos + 1)
	}
	return nil
}

// Compact moves entries left over a removed index, matching the original's
// "compacted by leftward move under the host's TFC-lock" discipline. The
// caller holds the TFC lock for the duration of this call.
func (t *QueueBufferTable) Compact(removedPos int) error {
	if removedPos < 0 || removedPos >= t.mf.recordCount {
		return fmt.Errorf("ssp: qb compact position %d out of range", removedPos)
	}
	for i := removedPos; i < t.mf.recordCount-1; i++ {
		copy(t.mf.record(i), t.mf.record(i+1))
	}
	t.mf.setCount(t.mf.recordCount - 1)
	return nil
}

func encodeQueueBufferEntry(b []byte, e QueueBufferEntry) {
	c := &cursor{buf: b}
	c.putString(msgNameWidth, e.MsgName)
	c.putUint32(e.MsgNumber)
	c.putInt32(e.FilesToSend)
	c.putInt64(e.FileSizeToSend)
	c.putInt64(e.CreationTime.UnixNano())
	c.putInt32(e.PID)
}

func decodeQueueBufferEntry(b []byte) QueueBufferEntry {
	c := &cursor{buf: b}
	var e QueueBufferEntry
	e.MsgName = c.getString(msgNameWidth)
	e.MsgNumber = c.getUint32()
	e.FilesToSend = c.getInt32()
	e.FileSizeToSend = c.getInt64()
	e.CreationTime = time.Unix(0, c.getInt64())
	e.PID = c.getInt32()
	return e
}

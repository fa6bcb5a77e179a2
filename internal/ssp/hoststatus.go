package ssp

import (
	"fmt"
	"time"
)

// Field widths for the fixed-layout host status record.
const (
	aliasWidth        = 32
	hostnameWidth      = 64
	uniqueNameWidth    = 16
	fileNameWidth      = 256
	maxJobSlots        = 64
)

const jobSlotSize = 4 + 4 + uniqueNameWidth + fileNameWidth + 8 + 8 + 8 + 4 + 4

const hostFixedSize = aliasWidth + hostnameWidth*2 + 4 /*toggle+pad*/ +
	4*2 /*active,allowed*/ +
	4 + 8 /*totalFileCounter,totalFileSize*/ +
	4 /*errorCounter*/ +
	4 /*errorHistory+pad*/ +
	4 /*flags*/ +
	8*3 /*eventSet,eventClear,eventWindow*/ +
	4 /*protocolOptions*/ +
	4*2 /*blockSize,sendBuffer*/ +
	8 /*transferRateLimit*/ +
	8 /*fileSizeOffset*/ +
	8 /*keepaliveInterval*/ +
	4 /*debugVerbosity+pad*/

const hostRecordSize = hostFixedSize + maxJobSlots*jobSlotSize

// HostStatusTable is the typed view over the Host Status shared file.
type HostStatusTable struct {
	mf *mappedFile
}

// OpenHostStatusTable attaches to (creating if absent) the host status
// table file at path, sized for up to maxHosts records.
func OpenHostStatusTable(path string, maxHosts int) (*HostStatusTable, error) {
	mf, err := openMapped(path, hostRecordSize, maxHosts)
	if err != nil {
		return nil, err
	}
	return &HostStatusTable{mf: mf}, nil
}

// Close unmaps and closes the underlying file.
func (t *HostStatusTable) Close() error { return t.mf.close() }

// Count returns the number of configured host records.
func (t *HostStatusTable) Count() int { return t.mf.recordCount }

// SetCount publishes a new host-record count (supervisor-only operation;
// the worker never grows this table, per spec §3 "created by the
// supervisor at boot").
func (t *HostStatusTable) SetCount(n int) { t.mf.setCount(n) }

// RecordOffset exposes the file offset of host record pos so lock handles
// can scope an FcntlFlock byte range to it.
func (t *HostStatusTable) RecordOffset(pos int) int64 { return t.mf.recordOffset(pos) }

// Fd returns the underlying file descriptor, for FcntlFlock.
func (t *HostStatusTable) Fd() uintptr { return t.mf.file.Fd() }

// Get decodes host record pos into a HostStatusEntry. Callers must hold (or
// not require) the appropriate lock per spec §4.1's advisory-read rule.
func (t *HostStatusTable) Get(pos int) (HostStatusEntry, error) {
	if pos < 0 || pos >= maxHostsCapacity(t.mf) {
		return HostStatusEntry{}, fmt.Errorf("ssp: host position %d out of range", pos)
	}
	return decodeHostEntry(t.mf.record(pos)), nil
}

// Put encodes entry into host record pos.
func (t *HostStatusTable) Put(pos int, entry HostStatusEntry) error {
	if pos < 0 || pos >= maxHostsCapacity(t.mf) {
		return fmt.Errorf("ssp: host position %d out of range", pos)
	}
	encodeHostEntry(t.mf.record(pos), entry)
	return nil
}

func maxHostsCapacity(mf *mappedFile) int {
	return (len(mf.data) - headerSize) / mf.recordSize
}

func encodeHostEntry(b []byte, e HostStatusEntry) {
	c := &cursor{buf: b}
	c.putString(aliasWidth, e.HostAlias)
	c.putString(hostnameWidth, e.HostnamePrimary)
	c.putString(hostnameWidth, e.HostnameSecondary)
	c.putByte(e.HostToggle)
	c.skip(3)
	c.putInt32(e.ActiveTransfers)
	c.putInt32(e.AllowedTransfers)
	c.putInt32(e.TotalFileCounter)
	c.putInt64(e.TotalFileSize)
	c.putInt32(e.ErrorCounter)
	for i := 0; i < MaxErrorHistory; i++ {
		c.putByte(e.ErrorHistory[i])
	}
	c.skip(4 - MaxErrorHistory)
	c.putUint32(e.Flags)
	c.putInt64(e.EventHandleSet.UnixNano())
	c.putInt64(e.EventHandleClear.UnixNano())
	c.putInt64(int64(e.EventWindow))
	c.putUint32(e.ProtocolOptions)
	c.putInt32(e.BlockSize)
	c.putInt32(e.SendBufferSize)
	c.putInt64(e.TransferRateLimit)
	c.putInt64(e.FileSizeOffset)
	c.putInt64(int64(e.KeepaliveInterval))
	c.putByte(e.DebugVerbosity)
	c.skip(3)

	for i := 0; i < maxJobSlots; i++ {
		var slot JobStatusSlot
		if i < len(e.Jobs) {
			slot = e.Jobs[i]
		}
		c.putByte(byte(slot.Status))
		c.skip(3)
		c.putUint32(slot.JobID)
		c.putString(uniqueNameWidth, slot.UniqueName)
		c.putString(fileNameWidth, slot.FileNameInUse)
		c.putInt64(slot.FileSizeInUse)
		c.putInt64(slot.FileSizeInUseDone)
		c.putInt64(slot.BytesSent)
		c.putUint32(slot.NoOfFilesDone)
		c.putUint32(slot.SpecialFlags)
	}
}

func decodeHostEntry(b []byte) HostStatusEntry {
	c := &cursor{buf: b}
	var e HostStatusEntry
	e.HostAlias = c.getString(aliasWidth)
	e.HostnamePrimary = c.getString(hostnameWidth)
	e.HostnameSecondary = c.getString(hostnameWidth)
	e.HostToggle = c.getByte()
	c.skip(3)
	e.ActiveTransfers = c.getInt32()
	e.AllowedTransfers = c.getInt32()
	e.TotalFileCounter = c.getInt32()
	e.TotalFileSize = c.getInt64()
	e.ErrorCounter = c.getInt32()
	for i := 0; i < MaxErrorHistory; i++ {
		e.ErrorHistory[i] = c.getByte()
	}
	c.skip(4 - MaxErrorHistory)
	e.Flags = c.getUint32()
	e.EventHandleSet = time.Unix(0, c.getInt64())
	e.EventHandleClear = time.Unix(0, c.getInt64())
	e.EventWindow = time.Duration(c.getInt64())
	e.ProtocolOptions = c.getUint32()
	e.BlockSize = c.getInt32()
	e.SendBufferSize = c.getInt32()
	e.TransferRateLimit = c.getInt64()
	e.FileSizeOffset = c.getInt64()
	e.KeepaliveInterval = time.Duration(c.getInt64())
	e.DebugVerbosity = c.getByte()
	c.skip(3)

	e.Jobs = make([]JobStatusSlot, maxJobSlots)
	for i := 0; i < maxJobSlots; i++ {
		var slot JobStatusSlot
		slot.Status = ConnectStatus(c.getByte())
		c.skip(3)
		slot.JobID = c.getUint32()
		slot.UniqueName = c.getString(uniqueNameWidth)
		slot.FileNameInUse = c.getString(fileNameWidth)
		slot.FileSizeInUse = c.getInt64()
		slot.FileSizeInUseDone = c.getInt64()
		slot.BytesSent = c.getInt64()
		slot.NoOfFilesDone = c.getUint32()
		slot.SpecialFlags = c.getUint32()
		e.Jobs[i] = slot
	}
	if int(e.AllowedTransfers) >= 0 && int(e.AllowedTransfers) < len(e.Jobs) {
		e.Jobs = e.Jobs[:e.AllowedTransfers]
	}
	return e
}

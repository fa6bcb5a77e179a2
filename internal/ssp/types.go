// Package ssp implements the Shared State Plane: typed, mmap-backed views
// over the Host Status, Job Cache, Queue Buffer, and Directory Name Buffer
// tables, plus the byte-range locks (CON/FIU/TFC/EC/HS) that serialize
// writers against a single host record while leaving readers advisory.
package ssp

import "time"

// ConnectStatus is a job slot's connection state.
type ConnectStatus uint8

const (
	StatusIdle ConnectStatus = iota
	StatusConnecting
	StatusAuth
	StatusActive
	StatusClosing
	StatusDisconnect
	StatusNotWorking
)

func (s ConnectStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusAuth:
		return "AUTH"
	case StatusActive:
		return "ACTIVE"
	case StatusClosing:
		return "CLOSING"
	case StatusDisconnect:
		return "DISCONNECT"
	case StatusNotWorking:
		return "NOT_WORKING"
	default:
		return "UNKNOWN"
	}
}

// Host status flags (bitset), a subset named by spec §3/§4.1.
const (
	FlagPausedAuto uint32 = 1 << iota
	FlagErrorOffline
	FlagErrorQueueSet
	FlagStoreIP
	FlagHostActionSuccess
	FlagEventStatusStatic
	FlagAutoPauseQueueStat
)

// EventStatusStaticFlags is the subset unset_error_counter_fsa clears when a
// host's event window has not yet expired (spec §4.1).
const EventStatusStaticFlags = FlagEventStatusStatic

// EventStatusFlags is the full set cleared when the event window has
// expired.
const EventStatusFlags = FlagEventStatusStatic

// JobStatusSlot special-flag bitset.
const (
	SpecialFlagInterruptJob uint32 = 1 << iota
)

// MaxErrorHistory bounds the error counter's history ring (spec §3: "bounded
// error history").
const MaxErrorHistory = 2

// HostStatusEntry is one configured peer (spec §3).
type HostStatusEntry struct {
	HostAlias         string
	HostnamePrimary   string
	HostnameSecondary string
	HostToggle        uint8 // 0 = primary, 1 = secondary

	ActiveTransfers  int32
	AllowedTransfers int32

	// TotalFileCounter/TotalFileSize are the host's remaining-to-send
	// totals that update_transfer_counters reduces as files complete
	// (spec §4.1).
	TotalFileCounter int32
	TotalFileSize    int64

	ErrorCounter int32
	ErrorHistory [MaxErrorHistory]uint8

	Flags uint32

	EventHandleSet   time.Time
	EventHandleClear time.Time
	EventWindow      time.Duration

	ProtocolOptions uint32

	BlockSize          int32
	SendBufferSize      int32
	TransferRateLimit   int64 // bytes/sec, per process; 0 = unlimited
	FileSizeOffset      int64
	KeepaliveInterval   time.Duration

	DebugVerbosity uint8

	Jobs []JobStatusSlot
}

// JobStatusSlot is one in-flight worker against a host (spec §3).
type JobStatusSlot struct {
	Status ConnectStatus

	JobID      uint32
	UniqueName string

	FileNameInUse     string
	FileSizeInUse     int64
	FileSizeInUseDone int64

	BytesSent    int64
	NoOfFilesDone uint32

	SpecialFlags uint32
}

// Empty reports whether the slot holds no in-flight file (spec §4.3.1 step 1:
// FileSizeInUse != 0 guards the duplicate-in-flight check).
func (s *JobStatusSlot) Empty() bool {
	return s.FileNameInUse == "" && s.FileSizeInUse == 0
}

// JobCacheEntry is a single mdb record: job id -> dispatch metadata
// (spec §3 "Job Cache Entry (mdb)").
type JobCacheEntry struct {
	JobID         uint32
	HostPosition  int32
	ProtocolType  string
	Port          int32
	AgeLimit      int32
	AgeingRank    int32
	MessageMtime  time.Time
	LastTransfer  time.Time
}

// Ageing rank clamp bounds (spec §3).
const (
	MinAgeingValue = 1
	MaxAgeingValue = 7
	DefaultAgeingValue = MinAgeingValue
)

// ClampAgeing clamps an ageing rank to [MinAgeingValue, MaxAgeingValue],
// substituting DefaultAgeingValue on parse failure per spec §3.
func ClampAgeing(v int32, parseOK bool) int32 {
	if !parseOK {
		return DefaultAgeingValue
	}
	if v < MinAgeingValue {
		return MinAgeingValue
	}
	if v > MaxAgeingValue {
		return MaxAgeingValue
	}
	return v
}

// PendingSentinel is the PID value used by a qb entry that has not yet
// been claimed by a worker (spec §3 "sentinel PENDING").
const PendingSentinel int32 = -1

// QueueBufferEntry is one pending message (spec §3 "Queue Buffer Entry (qb)").
type QueueBufferEntry struct {
	MsgName        string
	MsgNumber      uint32
	FilesToSend    int32
	FileSizeToSend int64
	CreationTime   time.Time
	PID            int32
}

// Retrieve reports whether this entry represents an inbound retrieve job
// (spec §3: "when msg_name == "" the entry represents a retrieve job").
func (q *QueueBufferEntry) Retrieve() bool {
	return q.MsgName == ""
}

// DirNameBufferEntry maps a directory id to an absolute path (spec §3 "dnb").
type DirNameBufferEntry struct {
	DirID int32
	Path  string
}

// Package worker implements the Transfer Worker Core (TWC): the
// per-connection state machine that logs in to a peer, drives zero or
// more batches of files through the per-file pipeline, and exits with a
// code from the closed error taxonomy (spec.md §4.3).
package worker

import (
	"time"

	"github.com/afd-project/afdsend/internal/archive"
	"github.com/afd-project/afdsend/internal/circuit"
	"github.com/afd-project/afdsend/internal/duplicate"
	"github.com/afd-project/afdsend/internal/ftpclient"
	"github.com/afd-project/afdsend/internal/metrics"
	"github.com/afd-project/afdsend/internal/outputlog"
	"github.com/afd-project/afdsend/internal/ratelimit"
	"github.com/afd-project/afdsend/internal/ssp"
	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/afd-project/afdsend/pkg/afdlog"
)

// State is one node of the TWC state machine (spec.md §4.3):
// INIT → CONNECTED → (AUTH_TLS?) → LOGIN → TUNE → CD → (LOCKFILE?) →
// READY → {PER_FILE}* → CLEANUP → (BURST_LOOP? back to READY) → QUIT → EXIT.
type State int

const (
	StateInit State = iota
	StateConnected
	StateAuthTLS
	StateLogin
	StateTune
	StateCD
	StateLockfile
	StateReady
	StatePerFile
	StateCleanup
	StateBurstLoop
	StateQuit
	StateExit
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnected:
		return "CONNECTED"
	case StateAuthTLS:
		return "AUTH_TLS"
	case StateLogin:
		return "LOGIN"
	case StateTune:
		return "TUNE"
	case StateCD:
		return "CD"
	case StateLockfile:
		return "LOCKFILE"
	case StateReady:
		return "READY"
	case StatePerFile:
		return "PER_FILE"
	case StateCleanup:
		return "CLEANUP"
	case StateBurstLoop:
		return "BURST_LOOP"
	case StateQuit:
		return "QUIT"
	case StateExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// TLSAuth selects how (or whether) the control and data channels are
// protected, mirroring spec.md §4.2/§4.3's tls_auth host setting.
type TLSAuth int

const (
	TLSAuthNone TLSAuth = iota
	TLSAuthExplicit
	TLSAuthImplicit
	TLSAuthBoth
)

// LockType selects the batch-level locking discipline applied during
// upload (spec.md §4.3.1 step 3).
type LockType int

const (
	LockNone LockType = iota
	LockDot
	LockDotVMS
	LockPostfix
	LockUnique
	LockSequence
	LockFile // batch-level marker file, handled in LOCKFILE state
)

// ValuesChanged is the burst-handoff flags word the supervisor passes
// between batches (spec.md §4.3.2).
type ValuesChanged uint8

const (
	UserChanged ValuesChanged = 1 << iota
	TypeChanged
	AuthChanged
	TargetDirChanged
)

// HostConfig is the resolved, per-host tuning the worker reads once at
// INIT and re-reads (selectively) on each burst iteration.
type HostConfig struct {
	Alias    string
	Password string
	Hostname string
	Port     int

	TargetDir       string
	CreateTargetDir bool
	DirMode         string
	FastCD          bool

	TransferMode byte // 'A' or 'I'

	TLSAuth          TLSAuth
	StrictVerify     bool
	LegacyReneg      bool
	ImplicitTLS      bool
	ProxySteps       []ftpclient.ProxyStep
	RenameFileBusy   bool // db.rename_file_busy: retry data_open with one char appended
	SiteExecLogin    string

	SetIdleTime bool
	UTF8On      bool

	LockType      LockType
	LockNotation  string // overrides "." for DOT/DOT_VMS when set
	LockFileName  string

	FileSizeOffset   int // >= 0 enables append probing; AutoSizeDetect sentinel below
	UseStatList      bool

	KeepTimeStamp   bool
	CheckSize       bool
	MatchRemoteSize bool

	FileNameIsHeader bool
	ReadyFile        bool // READY_A_FILE / READY_B_FILE
	ReadyFileVariant byte // 'A' or 'B'
	ExecFTP          bool
	ExecSiteCmd      string

	TrlPerProcess int64 // bytes/sec cap, 0 = unlimited
	BlockSize     int

	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	KeepAliveTimeout time.Duration
	StatKeepalive    bool

	ArchiveEnabled bool
	ArchiveTimeSec int

	DupCheckTimeout time.Duration
	DupCheckFlags   duplicate.CheckFlag
	DupCheckAction  duplicate.Action

	AllowedTransfers int

	KeepConnectedDisconnect bool
	KeepConnected           time.Duration
	Disconnect              time.Duration

	SendBufferSize int
}

// AutoSizeDetect is the sentinel FileSizeOffset value meaning "ask via
// SIZE rather than parsing a LIST/STAT column" (spec.md §4.3.1 step 4).
const AutoSizeDetect = -1

// FileJob is one manifest entry: a staged local file awaiting delivery.
type FileJob struct {
	LocalPath string
	BaseName  string
	Size      int64
	Mtime     time.Time
	HasMtime  bool

	// RestartHint is set when the batch carries a restart hint for this
	// file (spec.md §4.3.1 step 4); only such files are probed for an
	// append offset.
	RestartHint bool
}

// Manifest is the ordered batch handed to one worker invocation.
type Manifest struct {
	JobID          uint32
	UniqueName     [3]int
	FilesToSend    []FileJob
	PendingDeletes []string // age-expired files to dele before PER_FILE (READY state)
}

// Result is the tagged outcome of Run, translated by cmd/afdsend into
// the process exit code via internal/exitcode.
type Result struct {
	Code              afderrors.Code
	Err               *afderrors.AFDError
	FilesSent         int
	BytesSent         int64
	AppendCount       int
	BurstCount        int
	StillFilesToSend  bool
}

// WorkerCtx threads everything a state function needs: SSP views, the
// protocol client, the manifest, and the supporting components (spec.md
// §9: "pass a WorkerCtx by reference holding views onto SSP mappings, a
// protocol client, the manifest, and metrics").
type WorkerCtx struct {
	Client ftpclient.Client
	Host   HostConfig
	Job    *Manifest

	HostTable  *ssp.HostStatusTable
	HostFD     uintptr
	HostPos    int
	SlotPos    int

	Guard     *duplicate.Guard
	Governor  *ratelimit.Governor
	Finalizer *archive.Finalizer
	OutputLog *outputlog.Emitter
	Metrics   *metrics.Collector
	Logger    *afdlog.Logger

	// Breaker trips per host alias after repeated failed connect attempts
	// (spec.md §4.1/§4.8's error-class accounting), so a burst
	// loop against a host that just failed does not spend another
	// connect attempt before the breaker's timeout elapses. Nil is a
	// valid zero value: connect runs unguarded.
	Breaker *circuit.Manager

	// WorkDir is the staging directory containing the manifest's files.
	WorkDir string

	// Flags from the CLI (spec.md §6).
	AgeLimit       time.Duration
	DisableArchive bool
	RetryAttempt   int
	ResendFromArchive bool
	TempToggle     bool

	// connectedAt marks when CONNECTED succeeded, for burst-suppression
	// timing (spec.md §4.3.2: keep_connected / disconnect).
	connectedAt time.Time

	// valuesChanged carries the supervisor's burst-handoff flags into
	// the next TUNE/CD re-entry.
	valuesChanged ValuesChanged

	// lastTypeSent remembers the last TYPE issued, so a burst iteration
	// only re-emits it when TypeChanged is set.
	lastTypeSent byte
}

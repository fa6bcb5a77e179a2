// Command afdsend is the transfer worker binary: spawned once per
// connection by the (out-of-scope) supervisor, it logs in to one peer,
// delivers a batch of staged files, and exits with a code from the
// closed error taxonomy (spec.md §6).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/afd-project/afdsend/internal/archive"
	"github.com/afd-project/afdsend/internal/circuit"
	"github.com/afd-project/afdsend/internal/duplicate"
	"github.com/afd-project/afdsend/internal/exitcode"
	"github.com/afd-project/afdsend/internal/fifoctl"
	"github.com/afd-project/afdsend/internal/ftpclient/wire"
	"github.com/afd-project/afdsend/internal/message"
	"github.com/afd-project/afdsend/internal/metrics"
	"github.com/afd-project/afdsend/internal/outputlog"
	"github.com/afd-project/afdsend/internal/ratelimit"
	"github.com/afd-project/afdsend/internal/ssp"
	"github.com/afd-project/afdsend/internal/worker"
	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/afd-project/afdsend/pkg/afdlog"
)

// version is stamped at release build time; left as a placeholder here
// since this rewrite has no release pipeline of its own.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	flags := pflag.NewFlagSet("afdsend", pflag.ContinueOnError)
	showVersion := flags.Bool("version", false, "print version and exit")
	ageLimit := flags.Int64P("age", "a", 0, "age limit in seconds; older files are pre-deleted")
	noArchive := flags.BoolP("no-archive", "A", false, "disable archiving")
	retryAttempt := flags.IntP("retry", "o", 0, "retry attempt number (prior attempt count)")
	resendFromArchive := flags.BoolP("resend", "r", false, "resend from archive")
	tempToggle := flags.BoolP("temp-toggle", "t", false, "use the temporary host toggle")
	if err := flags.Parse(argv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.FromCode(afderrors.ALLOC_ERROR)
	}

	if *showVersion {
		fmt.Println("afdsend", version)
		return 0
	}

	positional := flags.Args()
	if len(positional) != 5 {
		fmt.Fprintln(os.Stderr, "usage: afdsend [flags] <work dir> <job no.> <host status id> <host status pos> <msg name>")
		return exitcode.FromCode(afderrors.ALLOC_ERROR)
	}
	workDir := positional[0]
	jobNo, _ := strconv.ParseUint(positional[1], 10, 32)
	hostStatusID := positional[2]
	hostStatusPos, _ := strconv.Atoi(positional[3])
	msgName := positional[4]

	log, err := afdlog.New(afdlog.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "afdlog init:", err)
		return exitcode.FromCode(afderrors.ALLOC_ERROR)
	}
	defer log.Close()

	msg, merr := loadMessage(workDir, msgName)
	if merr != nil {
		log.Error("failed to load message file", map[string]interface{}{"error": merr.Error()})
		return exitcode.FromCode(afderrors.OPEN_LOCAL_ERROR)
	}

	host := hostConfigFromMessage(msg, *ageLimit, *noArchive)

	manifest := buildManifest(workDir, msgName, uint32(jobNo), time.Duration(*ageLimit)*time.Second)

	hostTable, hostFD := attachHostStatusTable(hostStatusID, log)
	if hostTable != nil {
		defer hostTable.Close()
	}

	wireCfg := wire.DefaultConfig()
	wireCfg.ConnectTimeout = host.ConnectTimeout
	wireCfg.TransferTimeout = host.TransferTimeout
	wireCfg.SendBufferSize = host.SendBufferSize

	metricsCfg := metrics.DefaultConfig()
	if os.Getenv("AFD_METRICS_DISABLE") != "" {
		metricsCfg.Enabled = false
	}
	collector, cerr := metrics.NewCollector(metricsCfg)
	if cerr != nil {
		log.Error("metrics init failed, continuing without metrics", map[string]interface{}{"error": cerr.Error()})
		collector = nil
	}

	breaker := circuit.NewHostManager(3, 30*time.Second)

	var outputLog *outputlog.Emitter
	if f := outputLogWriter(workDir); f != nil {
		outputLog = outputlog.New(f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), host.ConnectTimeout+host.TransferTimeout*time.Duration(len(manifest.FilesToSend)+1))
	defer cancel()

	wctx := &worker.WorkerCtx{
		Client:            wire.New(wireCfg),
		Host:              host,
		Job:               manifest,
		HostTable:         hostTable,
		HostFD:            hostFD,
		HostPos:           hostStatusPos,
		SlotPos:           0,
		Guard:             duplicate.New(),
		Governor:          ratelimit.New(host.TrlPerProcess, host.TransferTimeout),
		Finalizer:         archive.New(filepath.Join(workDir, "archive"), archive.DefaultEBusyRetries, archive.DefaultEBusyDelay, log),
		OutputLog:         outputLog,
		Metrics:           collector,
		Breaker:           breaker,
		Logger:            log,
		WorkDir:           workDir,
		AgeLimit:          time.Duration(*ageLimit) * time.Second,
		DisableArchive:    *noArchive,
		RetryAttempt:      *retryAttempt,
		ResendFromArchive: *resendFromArchive,
		TempToggle:        *tempToggle,
	}

	result := worker.Run(ctx, wctx, nil)
	if result.Err != nil {
		log.Error("worker exited with error", map[string]interface{}{
			"code":      result.Code,
			"component": result.Err.Component,
			"message":   result.Err.Message,
		})
	} else if hostTable != nil {
		wake := dispatcherWaker(workDir)
		if err := ssp.UnsetErrorCounterFSA(hostTable, hostFD, hostStatusPos, log, wake); err != nil {
			log.Warn("unset_error_counter_fsa failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return exitcode.FromError(result.Err)
}

func loadMessage(workDir, msgName string) (*message.Message, error) {
	f, err := os.Open(filepath.Join(workDir, msgName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines, err := message.ReadAll(scanner)
	if err != nil {
		return nil, err
	}
	return message.Parse(lines)
}

func hostConfigFromMessage(msg *message.Message, ageLimitFlag int64, noArchive bool) worker.HostConfig {
	host := worker.HostConfig{
		Alias:           msg.Destination.User,
		Password:        msg.Destination.Password,
		Hostname:        msg.Destination.Host,
		Port:            msg.Destination.Port,
		TargetDir:       msg.Destination.Path,
		CreateTargetDir: true,
		DirMode:         "755",
		TransferMode:    'I',
		LockType:        worker.LockNone,
		ConnectTimeout:  30 * time.Second,
		TransferTimeout: 300 * time.Second,
		SendBufferSize:  0,
		AllowedTransfers: 1,
		ArchiveEnabled:  !noArchive,
		ArchiveTimeSec:  0,
		BlockSize:       32 * 1024,
		CheckSize:       true,
		KeepTimeStamp:   true,
		FileSizeOffset:  worker.AutoSizeDetect,
	}
	if msg.Destination.Port == 0 {
		host.Port = 21
	}
	switch strings.ToLower(msg.Destination.Scheme) {
	case "ftps":
		host.TLSAuth = worker.TLSAuthExplicit
	default:
		host.TLSAuth = worker.TLSAuthNone
	}

	if al := msg.AgeLimit(); al > 0 {
		host.DupCheckTimeout = time.Duration(al) * time.Second
	}
	if ageLimitFlag > 0 {
		host.DupCheckTimeout = time.Duration(ageLimitFlag) * time.Second
	}
	host.DupCheckFlags = duplicate.CheckName | duplicate.CheckContent
	host.DupCheckAction = duplicate.ActionDelete

	applyTuningOption(&host, msg, "mode", func(v string) {
		if strings.EqualFold(v, "ascii") {
			host.TransferMode = 'A'
		}
	})
	applyTuningOption(&host, msg, "lock", func(v string) {
		switch strings.ToLower(v) {
		case "dot":
			host.LockType = worker.LockDot
		case "dot_vms":
			host.LockType = worker.LockDotVMS
		case "postfix":
			host.LockType = worker.LockPostfix
		case "unique":
			host.LockType = worker.LockUnique
		case "sequence":
			host.LockType = worker.LockSequence
		default:
			host.LockFileName = v
			host.LockType = worker.LockFile
		}
	})
	applyTuningOption(&host, msg, "rename-file-busy", func(v string) { host.RenameFileBusy = true })
	applyTuningOption(&host, msg, "filename-is-header", func(v string) { host.FileNameIsHeader = true })
	applyTuningOption(&host, msg, "trl-per-process", func(v string) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			host.TrlPerProcess = n
		}
	})
	applyTuningOption(&host, msg, "block-size", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			host.BlockSize = n
		}
	})

	return host
}

func applyTuningOption(host *worker.HostConfig, msg *message.Message, key string, apply func(string)) {
	for _, o := range msg.Options {
		if o.Key == key {
			apply(o.Value)
			return
		}
	}
}

// buildManifest collects the regular files staged in workDir (excluding
// the message file itself) into a batch, routing age-expired files to
// PendingDeletes instead of FilesToSend per spec.md §6's "-a" semantics.
func buildManifest(workDir, msgName string, jobID uint32, ageLimit time.Duration) *worker.Manifest {
	manifest := &worker.Manifest{JobID: jobID, UniqueName: [3]int{0, 0, 0}}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return manifest
	}

	now := time.Now()
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == msgName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		full := filepath.Join(workDir, name)
		info, serr := os.Stat(full)
		if serr != nil {
			continue
		}
		if ageLimit > 0 && now.Sub(info.ModTime()) > ageLimit {
			manifest.PendingDeletes = append(manifest.PendingDeletes, name)
			continue
		}
		manifest.FilesToSend = append(manifest.FilesToSend, worker.FileJob{
			LocalPath: full,
			BaseName:  name,
			Size:      info.Size(),
			Mtime:     info.ModTime(),
			HasMtime:  true,
		})
	}
	return manifest
}

func outputLogWriter(workDir string) *os.File {
	path := filepath.Join(workDir, "..", "output_log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return f
}

// attachHostStatusTable maps the host status shared file named by
// hostStatusID. The supervisor process that would normally pre-create
// this mapping is out of scope (spec.md §1); this rewrite resolves it
// relative to AFD_SSP_DIR (default /tmp/afd/ssp), an Open Question
// decision recorded in DESIGN.md since no concrete path convention is
// specified.
func attachHostStatusTable(hostStatusID string, log *afdlog.Logger) (*ssp.HostStatusTable, uintptr) {
	dir := os.Getenv("AFD_SSP_DIR")
	if dir == "" {
		dir = "/tmp/afd/ssp"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warn("failed to create SSP directory, running without shared-memory locking", map[string]interface{}{"error": err.Error()})
		return nil, 0
	}
	path := filepath.Join(dir, "host_status."+hostStatusID)
	tbl, err := ssp.OpenHostStatusTable(path, 16)
	if err != nil {
		log.Warn("failed to attach host status table, running without shared-memory locking", map[string]interface{}{"error": err.Error()})
		return nil, 0
	}
	return tbl, tbl.Fd()
}

// dispatcherWaker opens the FD wake FIFO for a single best-effort byte
// write; a missing FIFO (no supervisor attached) degrades to a no-op
// rather than an error (spec.md §6: the wake byte is advisory).
func dispatcherWaker(workDir string) ssp.DispatcherWaker {
	path := filepath.Join(workDir, "..", "fd_wake_fifo")
	return func() error {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_NONBLOCK, 0)
		if err != nil {
			return nil
		}
		defer f.Close()
		waker := fifoctl.NewWaker(f)
		return waker.Wake()
	}
}

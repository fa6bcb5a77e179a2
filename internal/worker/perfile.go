package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/afd-project/afdsend/internal/duplicate"
	"github.com/afd-project/afdsend/internal/ftpclient"
	"github.com/afd-project/afdsend/internal/outputlog"
	"github.com/afd-project/afdsend/internal/ssp"
	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/afd-project/afdsend/pkg/afdlog"
)

// fileOutcome summarizes one file's trip through the pipeline, for the
// caller's running totals and the EXIT-time success line.
type fileOutcome struct {
	bytesSent int64
	appended  bool
	skipped   bool // duplicate-in-flight or content-dedup DC_DELETE skip
}

// processFile runs the 17-step per-file pipeline (spec.md §4.3.1) for
// one manifest entry. A nil *afderrors.AFDError means the file was
// either delivered or deliberately skipped (outcome.skipped == true);
// any non-nil error is either benign (STILL_FILES_TO_SEND) or terminal.
func (w *WorkerCtx) processFile(ctx context.Context, log *afdlog.Logger, job FileJob) (fileOutcome, *afderrors.AFDError) {
	flog := log.WithField("file_name", job.BaseName)
	started := w.clock()
	if w.Metrics != nil {
		w.Metrics.UpdateActiveConnections(1)
	}
	outcome, ferr := w.processFileTimed(ctx, flog, job)
	if w.Metrics != nil {
		w.Metrics.UpdateActiveConnections(0)
		w.Metrics.RecordOperation("file_delivery", w.clock().Sub(started), outcome.bytesSent, ferr == nil)
		if ferr != nil {
			w.Metrics.RecordError("file_delivery", ferr)
		}
	}
	return outcome, ferr
}

func (w *WorkerCtx) clock() time.Time { return time.Now() }

func (w *WorkerCtx) processFileTimed(ctx context.Context, flog *afdlog.Logger, job FileJob) (fileOutcome, *afderrors.AFDError) {
	// Step 1: duplicate-in-flight check (FIU).
	if dup, err := w.checkFileInUse(job); err != nil {
		return fileOutcome{}, err
	} else if dup {
		w.emitOtherProcDelete(job)
		os.Remove(job.LocalPath)
		flog.Debug("skipped duplicate in-flight transfer", nil)
		return fileOutcome{skipped: true}, nil
	}
	if err := w.publishFileInUse(job); err != nil {
		return fileOutcome{}, err
	}
	defer w.clearFileInUse()

	// Step 2: optional content dedup.
	if w.Host.DupCheckTimeout > 0 && w.Guard != nil {
		fp, ferr := duplicate.Fingerprint(job.LocalPath, job.BaseName, job.Size, w.Host.DupCheckFlags)
		if ferr == nil {
			hit, _ := w.Guard.IsDup(fp, w.Host.DupCheckTimeout)
			if w.Metrics != nil {
				if hit {
					w.Metrics.RecordCacheHit(fp, job.Size)
				} else {
					w.Metrics.RecordCacheMiss(fp, job.Size)
				}
			}
			if hit {
				if w.Host.DupCheckAction == duplicate.ActionDelete {
					os.Remove(job.LocalPath)
					flog.Debug("content dedup hit, deleted without sending", nil)
					return fileOutcome{skipped: true}, nil
				}
				flog.Debug("content dedup hit, recorded only (STORE_CRC)", nil)
			}
		}
	}

	// Step 3: rename derivation.
	retries := w.RetryAttempt
	names, derr := w.deriveNames(job, retries)
	if derr != nil {
		return fileOutcome{}, afderrors.New(afderrors.OPEN_REMOTE_ERROR, derr.Error()).WithComponent("twc").WithOperation("derive_names")
	}
	if prevName, ok := w.previousSequenceName(job, retries); ok {
		w.Client.Dele(ctx, prevName) // best-effort; stale sibling cleanup
	}

	// Step 4: optional append probing.
	appendOffset, aerr := w.probeAppendOffset(ctx, job)
	if aerr != nil {
		return fileOutcome{}, aerr
	}

	// Step 5: open remote, with the rename_file_busy one-shot retry.
	initialName := names.InitialFilename
	createdPath, openErr := w.openRemote(ctx, initialName, appendOffset, job)
	if openErr != nil {
		if openErr.busyRetry {
			initialName = initialName + "_"
			createdPath, openErr = w.openRemote(ctx, initialName, appendOffset, job)
		}
	}
	if openErr != nil {
		if openErr.benign {
			return fileOutcome{}, afderrors.New(afderrors.STILL_FILES_TO_SEND, openErr.reply.Message).WithComponent("twc")
		}
		return fileOutcome{}, classify(afderrors.OPEN_REMOTE_ERROR, openErr.reply, "twc", "data_open")
	}
	if createdPath != "" {
		flog.Info("created remote directory", map[string]interface{}{"path": createdPath})
	}

	// Step 6: optional data-channel TLS.
	if w.Host.TLSAuth == TLSAuthBoth {
		if reply := w.Client.AuthData(ctx); !reply.OK() {
			return fileOutcome{}, classify(afderrors.AUTH_ERROR, reply, "twc", "auth_data")
		}
	}

	// Step 7: open local.
	local, lerr := os.Open(job.LocalPath)
	if lerr != nil {
		return fileOutcome{}, afderrors.New(afderrors.OPEN_LOCAL_ERROR, lerr.Error()).WithComponent("twc").WithCause(lerr)
	}
	defer local.Close()
	if appendOffset > 0 && job.Size-appendOffset > 0 {
		if _, err := local.Seek(appendOffset, io.SeekStart); err != nil {
			appendOffset = 0 // discard append on seek failure
		}
	}

	// Step 8: optional header.
	var additionalLength int64
	if w.Host.FileNameIsHeader {
		header := buildHeader(job.BaseName)
		n, reply := w.Client.Write(header, nil, len(header))
		if !reply.OK() {
			return fileOutcome{}, w.classifyWriteFailure(reply)
		}
		additionalLength += int64(n)
	}

	// Step 9: transfer loop.
	bytesSent, transferErr := w.transferLoop(ctx, local, job)
	if transferErr != nil {
		return fileOutcome{}, transferErr
	}

	// Step 10: optional trailer.
	if w.Host.FileNameIsHeader {
		trailer := []byte{0x0D, 0x0D, 0x0A, 0x03}
		n, reply := w.Client.Write(trailer, nil, len(trailer))
		if !reply.OK() {
			return fileOutcome{}, w.classifyWriteFailure(reply)
		}
		additionalLength += int64(n)
	}

	// Step 11: close remote.
	if reply := w.Client.CloseData(ctx); !reply.OK() {
		if job.Size != 0 || reply.Timeout {
			return fileOutcome{}, classify(afderrors.CLOSE_REMOTE_ERROR, reply, "twc", "close_data")
		}
		flog.Warn("close_data failed on zero-size file, demoted to warning", map[string]interface{}{"code": reply.Code})
	}

	// Step 12: post-checks.
	if w.Host.KeepTimeStamp && job.HasMtime {
		if reply := w.Client.SetDate(ctx, names.InitialFilename, job.Mtime); !reply.OK() {
			flog.Warn("set_date failed", map[string]interface{}{"code": reply.Code})
		}
	}
	if w.Host.CheckSize || w.Host.MatchRemoteSize {
		remoteSize, reply := w.Client.Size(ctx, names.InitialFilename)
		if reply.OK() {
			expected := bytesSent + appendOffset + additionalLength
			if remoteSize != expected {
				return fileOutcome{}, afderrors.New(afderrors.FILE_SIZE_MATCH_ERROR,
					fmt.Sprintf("remote size %d != expected %d", remoteSize, expected)).WithComponent("twc")
			}
		}
	}

	// Step 13: rename.
	finalRemoteName := names.RemoteFilename
	if w.usedAnyRenameRule() {
		_, reply := w.Client.Move(ctx, initialName, names.RemoteFilename, true, w.Host.CreateTargetDir, w.Host.DirMode)
		if !reply.OK() {
			return fileOutcome{}, classify(afderrors.MOVE_REMOTE_ERROR, reply, "twc", "move")
		}
		if w.Host.LockType == LockDotVMS {
			finalRemoteName = stripVMSTrailingDot(finalRemoteName)
		}
	}

	// Step 14: optional ready-file.
	if w.Host.ReadyFile {
		w.uploadReadyFile(ctx, names, flog)
	}

	// Step 15: optional per-file SITE exec.
	if w.Host.ExecFTP {
		if reply := w.Client.Exec(ctx, w.Host.ExecSiteCmd, names.FinalFilename); !reply.OK() {
			flog.Warn("per-file SITE exec failed", map[string]interface{}{"code": reply.Code})
		}
	}

	// Step 16: slot progress.
	if w.HostTable != nil {
		if err := ssp.UpdateTransferCounters(w.HostTable, w.HostFD, w.HostPos, w.SlotPos, 1, bytesSent, 0); err != nil {
			flog.Error("update_transfer_counters failed", map[string]interface{}{"error": err.Error()})
		}
	}

	// Step 17: finalize (archive or unlink) + output log.
	result := w.Finalizer.Finalize(job.LocalPath, w.Host.ArchiveEnabled && !w.DisableArchive, w.Host.ArchiveTimeSec, fmt.Sprintf("%d", w.Job.JobID))
	if result.ArchiveError != nil && w.Metrics != nil {
		w.Metrics.RecordArchiveFailure()
	}
	if w.OutputLog != nil {
		w.OutputLog.Emit(outputlog.Record{
			JobID:        w.Job.JobID,
			Retries:      uint32(retries),
			TransferTime: 0,
			FileSize:     job.Size,
			OutputType:   outputlog.OTNormalDelivered,
			FileName:     job.BaseName,
			RemoteName:   finalRemoteName,
			ArchiveName:  result.ArchivePath,
		})
	}

	return fileOutcome{bytesSent: bytesSent, appended: appendOffset > 0}, nil
}

// --- step helpers ---

func (w *WorkerCtx) checkFileInUse(job FileJob) (bool, *afderrors.AFDError) {
	if w.HostTable == nil {
		return false, nil
	}
	entry, err := w.HostTable.Get(w.HostPos)
	if err != nil {
		return false, afderrors.New(afderrors.CONNECT_ERROR, "reading host status").WithComponent("twc").WithCause(err)
	}
	for i, slot := range entry.Jobs {
		if i == w.SlotPos {
			continue
		}
		if slot.JobID == w.Job.JobID && slot.FileSizeInUse != 0 && slot.FileNameInUse == job.BaseName {
			return true, nil
		}
	}
	return false, nil
}

func (w *WorkerCtx) publishFileInUse(job FileJob) *afderrors.AFDError {
	if w.HostTable == nil {
		return nil
	}
	err := ssp.WithHostLock(w.HostFD, w.HostTable.RecordOffset(w.HostPos), ssp.LockFIU, func() error {
		entry, err := w.HostTable.Get(w.HostPos)
		if err != nil {
			return err
		}
		entry.Jobs[w.SlotPos].FileNameInUse = job.BaseName
		entry.Jobs[w.SlotPos].FileSizeInUse = job.Size
		return w.HostTable.Put(w.HostPos, entry)
	})
	if err != nil {
		return afderrors.New(afderrors.CONNECT_ERROR, "publishing file_name_in_use").WithComponent("twc").WithCause(err)
	}
	return nil
}

func (w *WorkerCtx) clearFileInUse() {
	if w.HostTable == nil {
		return
	}
	ssp.WithHostLock(w.HostFD, w.HostTable.RecordOffset(w.HostPos), ssp.LockFIU, func() error {
		entry, err := w.HostTable.Get(w.HostPos)
		if err != nil {
			return err
		}
		entry.Jobs[w.SlotPos].FileNameInUse = ""
		entry.Jobs[w.SlotPos].FileSizeInUse = 0
		entry.Jobs[w.SlotPos].FileSizeInUseDone = 0
		entry.Jobs[w.SlotPos].NoOfFilesDone++
		return w.HostTable.Put(w.HostPos, entry)
	})
}

func (w *WorkerCtx) emitOtherProcDelete(job FileJob) {
	if w.OutputLog == nil {
		return
	}
	w.OutputLog.Emit(outputlog.Record{
		JobID:      w.Job.JobID,
		OutputType: outputlog.OTOtherProcDelete,
		FileName:   job.BaseName,
	})
}

// probeAppendOffset implements step 4: ask the server for the current
// remote size via SIZE or a column of the LIST line, pre-crediting the
// slot's FileSizeInUseDone when a usable restart point is found.
func (w *WorkerCtx) probeAppendOffset(ctx context.Context, job FileJob) (int64, *afderrors.AFDError) {
	if w.Host.FileSizeOffset < 0 && w.Host.FileSizeOffset != AutoSizeDetect {
		return 0, nil
	}
	if !job.RestartHint {
		return 0, nil
	}

	var remoteSize int64
	if w.Host.FileSizeOffset == AutoSizeDetect {
		size, reply := w.Client.Size(ctx, job.BaseName)
		if !reply.OK() {
			return 0, nil // absence of a usable restart point is not an error
		}
		remoteSize = size
	} else {
		mode := ftpclient.ListModeList
		line, reply := w.Client.List(ctx, mode, "", job.BaseName)
		if !reply.OK() {
			return 0, nil
		}
		remoteSize = parseSizeColumn(line, w.Host.FileSizeOffset)
	}

	if remoteSize > 0 && remoteSize <= job.Size {
		if w.HostTable != nil {
			ssp.WithHostLock(w.HostFD, w.HostTable.RecordOffset(w.HostPos), ssp.LockFIU, func() error {
				entry, err := w.HostTable.Get(w.HostPos)
				if err != nil {
					return err
				}
				entry.Jobs[w.SlotPos].FileSizeInUseDone += remoteSize
				return w.HostTable.Put(w.HostPos, entry)
			})
		}
		return remoteSize, nil
	}
	return 0, nil
}

func parseSizeColumn(line string, col int) int64 {
	fields := strings.Fields(line)
	if col < 0 || col >= len(fields) {
		return 0
	}
	v, err := strconv.ParseInt(fields[col], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type openRemoteError struct {
	reply     ftpclient.Reply
	busyRetry bool
	benign    bool
}

func (w *WorkerCtx) openRemote(ctx context.Context, initialName string, appendOffset int64, job FileJob) (string, *openRemoteError) {
	mode := ftpclient.ModeStore
	if appendOffset > 0 {
		mode = ftpclient.ModeAppend
	}
	createdPath, reply := w.Client.DataOpen(ctx, initialName, appendOffset, mode, ftpclient.DirectionUpload, w.Host.SendBufferSize, w.Host.CreateTargetDir, w.Host.DirMode)
	if reply.OK() {
		return createdPath, nil
	}
	msg := reply.Message
	if w.Host.RenameFileBusy && (strings.Contains(msg, "Cannot open or remove a file containing a running program.") ||
		strings.Contains(msg, "Cannot STOR. No permission.")) {
		return "", &openRemoteError{reply: reply, busyRetry: true}
	}
	if reply.Code >= 400 && isBenignCloseText(msg) {
		return "", &openRemoteError{reply: reply, benign: true}
	}
	return "", &openRemoteError{reply: reply}
}

// transferLoop implements step 9: read+write (or sendfile) with rate
// limiting, keepalive, and stall detection.
func (w *WorkerCtx) transferLoop(ctx context.Context, local *os.File, job FileJob) (int64, *afderrors.AFDError) {
	if w.Governor != nil {
		w.Governor.NoteFirstWrite()
		defer w.Governor.Reset()
	}

	useSendfile := !w.Host.FileNameIsHeader && w.Host.TransferMode != 'A'
	var sent int64
	buf := make([]byte, w.blockSize())

	for {
		var n int
		var reply ftpclient.Reply
		if useSendfile {
			offset := sent
			written, r := w.Client.SendFile(local, &offset, int64(len(buf)))
			n, reply = int(written), r
			if written == 0 && r.OK() {
				break // EOF
			}
		} else {
			readN, rerr := local.Read(buf)
			if readN == 0 {
				if errors.Is(rerr, io.EOF) {
					break
				}
				if rerr != nil {
					return sent, afderrors.New(afderrors.READ_LOCAL_ERROR, rerr.Error()).WithComponent("twc").WithCause(rerr)
				}
			}
			n, reply = w.Client.Write(buf, nil, readN)
		}

		if !reply.OK() {
			return sent, w.classifyWriteFailure(reply)
		}
		sent += int64(n)

		if w.Governor != nil {
			w.Governor.LimitTransferRate(ctx, n)
			if w.Host.StatKeepalive && w.Governor.KeepaliveDue() {
				if reply := w.Client.Keepalive(ctx); reply.OK() {
					w.Governor.NoteKeepalive()
				}
			}
			if w.Governor.TransferStalled() {
				return sent, afderrors.New(afderrors.STILL_FILES_TO_SEND, "transfer stalled past timeout").WithComponent("twc")
			}
		}

		if useSendfile && sent >= job.Size {
			break
		}
	}
	return sent, nil
}

// classifyWriteFailure classifies any write failure, including a broken
// pipe, as WRITE_REMOTE_ERROR; for a broken pipe, quitWith then skips the
// QUIT on the now-dead connection (spec.md §4.3.1 step 9).
func (w *WorkerCtx) classifyWriteFailure(reply ftpclient.Reply) *afderrors.AFDError {
	return classify(afderrors.WRITE_REMOTE_ERROR, reply, "twc", "write")
}

func (w *WorkerCtx) blockSize() int {
	if w.Host.BlockSize > 0 {
		return w.Host.BlockSize
	}
	return 32 * 1024
}

func (w *WorkerCtx) usedAnyRenameRule() bool {
	return w.Host.LockType != LockNone && w.Host.LockType != LockFile
}

func (w *WorkerCtx) uploadReadyFile(ctx context.Context, names derivedNames, log *afdlog.Logger) {
	readyName := names.FinalFilename + "_rdy"
	body := fmt.Sprintf("%s %c U\n$$end_of_ready_file\n", names.InitialFilename, w.Host.ReadyFileVariant)
	if _, reply := w.Client.DataOpen(ctx, readyName, 0, ftpclient.ModeStore, ftpclient.DirectionUpload, 0, false, ""); !reply.OK() {
		log.Warn("ready-file data_open failed", map[string]interface{}{"code": reply.Code})
		return
	}
	w.Client.Write([]byte(body), nil, len(body))
	w.Client.CloseData(ctx)
}

// buildHeader renders the 4-byte SOH/CR/CR/LF marker plus the
// space-separated, letter-run-abbreviated file name header spec.md
// §4.3.1 step 8 describes.
func buildHeader(name string) []byte {
	var b []byte
	b = append(b, 0x01, 0x0D, 0x0D, 0x0A)
	b = append(b, []byte(abbreviateByLetterRuns(name))...)
	b = append(b, 0x0D, 0x0D, 0x0A)
	return b
}

// abbreviateByLetterRuns splits name into runs of consecutive ASCII letters
// (upper and lower case alike) and single non-letter characters, keeps at
// most the first two characters of each, and joins them with spaces — a
// compact header form distinct from the raw file name.
func abbreviateByLetterRuns(name string) string {
	var out strings.Builder
	runStart := 0
	flush := func(end int) {
		if end <= runStart {
			return
		}
		run := name[runStart:end]
		if len(run) > 2 {
			run = run[:2]
		}
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(run)
	}
	for i := 1; i <= len(name); i++ {
		if i == len(name) || !sameLetterClass(name[i-1], name[i]) {
			flush(i)
			runStart = i
		}
	}
	return out.String()
}

func sameLetterClass(a, b byte) bool {
	isLetter := func(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
	return isLetter(a) && isLetter(b)
}

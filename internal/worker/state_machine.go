package worker

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"
	"time"

	"github.com/afd-project/afdsend/internal/circuit"
	"github.com/afd-project/afdsend/internal/ftpclient"
	"github.com/afd-project/afdsend/internal/ssp"
	"github.com/afd-project/afdsend/pkg/afderrors"
	"github.com/afd-project/afdsend/pkg/afdlog"
	"github.com/afd-project/afdsend/pkg/retry"
)

// classify builds an *afderrors.AFDError from a failed Reply, promoting
// it through EvalTimeout when the FCI call reported timeout_flag == ON.
func classify(code afderrors.Code, reply ftpclient.Reply, component, operation string) *afderrors.AFDError {
	err := afderrors.New(code, reply.Message).
		WithComponent(component).
		WithOperation(operation).
		WithContext("protocol_code", fmt.Sprintf("%d", reply.Code)).
		WithTimeout(reply.Timeout)
	return afderrors.EvalTimeout(err)
}

// isBenignCloseText reports whether msg matches one of the server
// messages spec.md treats as a benign mid-transfer disconnect rather
// than a hard failure (step 5 and the control-channel idle-kill note in
// §5).
func isBenignCloseText(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "idle timeout") || strings.Contains(lower, "closing control connection")
}

// Run drives the full state machine for one worker invocation, looping
// through bursts until nextBatch reports none remain or a suppression
// condition fires, then quits and reports a Result.
func Run(ctx context.Context, w *WorkerCtx, nextBatch NextBatchFunc) Result {
	log := w.Logger.WithComponent("twc")

	if err := w.connect(ctx, log); err != nil {
		return Result{Code: err.Code, Err: err}
	}
	w.connectedAt = time.Now()

	if err := w.authTLS(ctx, log); err != nil {
		return w.quitWith(ctx, err)
	}
	if err := w.login(ctx, log); err != nil {
		return w.quitWith(ctx, err)
	}
	if err := w.tune(ctx, log, 0); err != nil {
		return w.quitWith(ctx, err)
	}
	if err := w.cd(ctx, log, false); err != nil {
		if isBenign(err) {
			return w.finishBenign(ctx, err)
		}
		return w.quitWith(ctx, err)
	}
	if err := w.lockfile(ctx, log); err != nil {
		return w.quitWith(ctx, err)
	}

	var totalFiles int
	var totalBytes int64
	var appendCount int
	var burstCount int

	for {
		if err := w.ready(ctx, log); err != nil {
			return w.quitWith(ctx, err)
		}

		for _, job := range w.Job.FilesToSend {
			outcome, err := w.processFile(ctx, log, job)
			if err != nil {
				if isBenign(err) {
					return w.finishBenign(ctx, err)
				}
				return w.quitWith(ctx, err)
			}
			totalFiles++
			totalBytes += outcome.bytesSent
			if outcome.appended {
				appendCount++
			}
		}

		w.cleanup(log, totalFiles, totalBytes, appendCount, burstCount)

		manifest, changed, ok := w.nextBurst(nextBatch)
		if !ok {
			break
		}
		w.Job = manifest
		w.valuesChanged = changed
		burstCount++

		if err := w.retuneForBurst(ctx, log, changed); err != nil {
			if isBenign(err) {
				return w.finishBenign(ctx, err)
			}
			return w.quitWith(ctx, err)
		}
	}

	reply := w.Client.Quit(ctx)
	if !reply.OK() {
		log.Warn("QUIT rejected by peer", map[string]interface{}{"code": reply.Code})
	}

	w.logSuccessLine(log, totalFiles, totalBytes, appendCount, burstCount)
	return Result{
		Code:        afderrors.SUCCESS,
		FilesSent:   totalFiles,
		BytesSent:   totalBytes,
		AppendCount: appendCount,
		BurstCount:  burstCount,
	}
}

func isBenign(err *afderrors.AFDError) bool {
	return err != nil && afderrors.IsBenign(err.Code)
}

// quitWith attempts a best-effort QUIT before surfacing err; the QUIT is
// skipped when err is a broken-pipe write failure, since the connection
// is already dead.
func (w *WorkerCtx) quitWith(ctx context.Context, err *afderrors.AFDError) Result {
	if !(err.Code == afderrors.WRITE_REMOTE_ERROR && err.Message == "PIPE") {
		w.Client.Quit(ctx)
	}
	return Result{Code: err.Code, Err: err}
}

// finishBenign builds the STILL_FILES_TO_SEND result path: the
// supervisor re-picks up the batch, so the worker exits without
// attempting QUIT when the failure already indicates a dead connection.
func (w *WorkerCtx) finishBenign(ctx context.Context, err *afderrors.AFDError) Result {
	return Result{Code: err.Code, Err: err, StillFilesToSend: err.Code == afderrors.STILL_FILES_TO_SEND}
}

// connect dials the peer through the per-host circuit breaker (when one
// is attached) and retries the dial itself with exponential backoff, so
// a transient refused connection doesn't burn the whole worker
// invocation on the first attempt (spec.md §4.8's recoverable-by-retry
// class, §4.1's per-host error-class accounting).
func (w *WorkerCtx) connect(ctx context.Context, log *afdlog.Logger) *afderrors.AFDError {
	attempt := func(ctx context.Context) error {
		reply := w.Client.Connect(ctx, w.Host.Hostname, w.Host.Port, w.Host.ImplicitTLS, w.Host.StrictVerify, w.Host.LegacyReneg)
		if reply.Code == 230 {
			log.Debug("peer greeted as already logged in", nil)
			return nil
		}
		if !reply.OK() {
			return classify(afderrors.CONNECT_ERROR, reply, "twc", "connect")
		}
		return nil
	}

	run := func(ctx context.Context) error {
		return retry.New(retry.DefaultConfig()).DoWithContext(ctx, attempt)
	}

	var err error
	if w.Breaker != nil {
		err = w.Breaker.Guard(ctx, w.Host.Alias, run)
	} else {
		err = run(ctx)
	}
	if err == nil {
		return nil
	}

	var afdErr *afderrors.AFDError
	if stderr.As(err, &afdErr) {
		return afdErr
	}
	if stderr.Is(err, circuit.ErrOpenState) {
		return afderrors.New(afderrors.CONNECT_ERROR, "host breaker open: too many recent connect failures").
			WithComponent("twc").WithOperation("connect").WithContext("host_alias", w.Host.Alias)
	}
	return afderrors.New(afderrors.CONNECT_ERROR, err.Error()).WithComponent("twc").WithOperation("connect")
}

func (w *WorkerCtx) authTLS(ctx context.Context, log *afdlog.Logger) *afderrors.AFDError {
	if w.Host.TLSAuth != TLSAuthExplicit && w.Host.TLSAuth != TLSAuthBoth {
		return nil
	}
	if w.Host.ImplicitTLS {
		return nil
	}
	reply := w.Client.AuthTLS(ctx, w.Host.StrictVerify, w.Host.LegacyReneg)
	if !reply.OK() {
		return classify(afderrors.AUTH_ERROR, reply, "twc", "auth_tls")
	}
	return nil
}

// login implements the user/pass sequence (or proxy login), with the
// one-time reconnect-burst quirk from spec.md §4.3 LOGIN.
func (w *WorkerCtx) login(ctx context.Context, log *afdlog.Logger) *afderrors.AFDError {
	if len(w.Host.ProxySteps) > 0 {
		reply := w.Client.ProxyLogin(ctx, w.Host.ProxySteps)
		if !reply.OK() {
			return classify(afderrors.USER_ERROR, reply, "twc", "proxy_login")
		}
		return nil
	}
	return w.loginOnce(ctx, log, false)
}

var reconnectBurstCodes = map[int]bool{331: true, 500: true, 501: true, 503: true, 530: true}

func (w *WorkerCtx) loginOnce(ctx context.Context, log *afdlog.Logger, isRetry bool) *afderrors.AFDError {
	userReply := w.Client.User(ctx, userName(w.Host))
	if !userReply.OK() {
		if !isRetry && reconnectBurstCodes[userReply.Code] {
			log.Debug("server rejected USER on burst iteration, forcing reconnect", map[string]interface{}{"code": userReply.Code})
			w.Client.Quit(ctx)
			if err := w.connect(ctx, log); err != nil {
				return err
			}
			return w.loginOnce(ctx, log, true)
		}
		return classify(afderrors.USER_ERROR, userReply, "twc", "user")
	}
	if userReply.Code == 230 {
		return nil // USER alone logged us in
	}
	passReply := w.Client.Pass(ctx, passWord(w.Host))
	if !passReply.OK() {
		return classify(afderrors.PASSWORD_ERROR, passReply, "twc", "pass")
	}
	return nil
}

// TUNE. changed is zero on the initial entry and the burst flags word on
// re-entry (spec.md §4.3 TUNE: "Re-emit type on burst iterations only if
// values_changed & TYPE_CHANGED").
func (w *WorkerCtx) tune(ctx context.Context, log *afdlog.Logger, changed ValuesChanged) *afderrors.AFDError {
	if w.Host.SiteExecLogin != "" {
		reply := w.Client.Exec(ctx, w.Host.SiteExecLogin, "")
		if !reply.OK() {
			log.Warn("login-site SITE exec failed, continuing", map[string]interface{}{"code": reply.Code})
		}
	}
	if w.Host.SetIdleTime {
		reply := w.Client.Idle(ctx, w.Host.TransferTimeout)
		if !reply.OK() {
			return classify(afderrors.TYPE_ERROR, reply, "twc", "idle")
		}
	}
	if w.Host.UTF8On {
		w.Client.UTF8On(ctx) // best-effort; no code in the taxonomy treats OPTS failure as fatal
	}

	firstEntry := w.lastTypeSent == 0
	if firstEntry || changed&TypeChanged != 0 {
		reply := w.Client.Type(ctx, w.Host.TransferMode)
		if !reply.OK() {
			return classify(afderrors.TYPE_ERROR, reply, "twc", "type")
		}
		w.lastTypeSent = w.Host.TransferMode
	}
	return nil
}

// CD. isBurst distinguishes the burst re-entry (which also pre-CDs to
// home before issuing the real CD) from the initial entry.
func (w *WorkerCtx) cd(ctx context.Context, log *afdlog.Logger, isBurst bool) *afderrors.AFDError {
	if w.Host.FastCD {
		return nil // prefix embedded per-file instead of issuing CWD
	}
	if isBurst {
		_, homeReply := w.Client.CD(ctx, "", false, "")
		if !homeReply.OK() && homeReply.Code == 550 {
			return afderrors.New(afderrors.STILL_FILES_TO_SEND, "benign pre-cd-home failure on burst").WithComponent("twc")
		}
	}
	createdPath, reply := w.Client.CD(ctx, w.Host.TargetDir, w.Host.CreateTargetDir, w.Host.DirMode)
	if !reply.OK() {
		return classify(afderrors.CHDIR_ERROR, reply, "twc", "cd")
	}
	if createdPath != "" {
		log.Info("created remote directory", map[string]interface{}{"path": createdPath})
	}
	return nil
}

func (w *WorkerCtx) lockfile(ctx context.Context, log *afdlog.Logger) *afderrors.AFDError {
	if w.Host.LockType != LockFile {
		return nil
	}
	if w.Host.TLSAuth == TLSAuthBoth {
		if reply := w.Client.AuthData(ctx); !reply.OK() {
			return classify(afderrors.AUTH_ERROR, reply, "twc", "auth_data")
		}
	}
	if _, reply := w.Client.DataOpen(ctx, w.Host.LockFileName, 0, ftpclient.ModeStore, ftpclient.DirectionUpload, w.Host.SendBufferSize, false, ""); !reply.OK() {
		return classify(afderrors.WRITE_LOCK_ERROR, reply, "twc", "data_open:lockfile")
	}
	if reply := w.Client.CloseData(ctx); !reply.OK() {
		return classify(afderrors.WRITE_LOCK_ERROR, reply, "twc", "close_data:lockfile")
	}
	return nil
}

func (w *WorkerCtx) ready(ctx context.Context, log *afdlog.Logger) *afderrors.AFDError {
	if w.HostTable != nil {
		err := ssp.WithHostLock(w.HostFD, w.HostTable.RecordOffset(w.HostPos), ssp.LockCON, func() error {
			entry, err := w.HostTable.Get(w.HostPos)
			if err != nil {
				return err
			}
			entry.Jobs[w.SlotPos].Status = ssp.StatusActive
			return w.HostTable.Put(w.HostPos, entry)
		})
		if err != nil {
			return afderrors.New(afderrors.CONNECT_ERROR, "publishing slot state").WithComponent("twc").WithCause(err)
		}
	}

	for _, name := range w.Job.PendingDeletes {
		reply := w.Client.Dele(ctx, name)
		if !reply.OK() {
			log.Warn("pending-delete dele failed", map[string]interface{}{"name": name, "code": reply.Code})
			continue
		}
		log.Debug("deleted age-expired pending file", map[string]interface{}{"name": name})
	}
	return nil
}

// cleanup logs the per-burst summary line; the overall success line is
// emitted once at EXIT by logSuccessLine.
func (w *WorkerCtx) cleanup(log *afdlog.Logger, files int, bytes int64, appended, bursts int) {
	log.Debug("batch cleanup", map[string]interface{}{
		"files": files, "bytes": bytes, "appended": appended, "bursts": bursts,
	})
}

// logSuccessLine emits the user-visible info line spec.md §7 specifies:
// "<bytes> in <files> files send (+ optional [APPEND x N] [BURST x M]) #<job-id>".
func (w *WorkerCtx) logSuccessLine(log *afdlog.Logger, files int, bytes int64, appended, bursts int) {
	var b strings.Builder
	if bytes == 0 && files > 0 {
		b.WriteString("[Zero size] ")
	}
	fmt.Fprintf(&b, "%d Bytes in %d files send", bytes, files)
	if appended > 0 {
		fmt.Fprintf(&b, " [APPEND x %d]", appended)
	}
	if bursts > 0 {
		fmt.Fprintf(&b, " [BURST x %d]", bursts)
	}
	fmt.Fprintf(&b, " #%x", w.Job.JobID)
	log.Info(b.String(), nil)
}

func userName(h HostConfig) string { return h.Alias }
func passWord(h HostConfig) string { return h.Password }

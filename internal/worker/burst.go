package worker

import (
	"context"
	"time"

	"github.com/afd-project/afdsend/pkg/afdlog"
	"github.com/afd-project/afdsend/pkg/afderrors"
)

// NextBatchFunc is how the supervisor hands the worker another batch
// without closing the control connection (spec.md §4.3.2). Returning
// ok=false ends the burst and proceeds to QUIT.
type NextBatchFunc func() (manifest *Manifest, changed ValuesChanged, ok bool)

// burstSuppressed implements spec.md §4.3.2's suppression rule:
// keep_connected_disconnect or a positive disconnect window both force
// the connection closed rather than idling for the next batch.
func (w *WorkerCtx) burstSuppressed() bool {
	elapsed := time.Since(w.connectedAt)
	if w.Host.KeepConnectedDisconnect && elapsed > w.Host.KeepConnected {
		return true
	}
	if w.Host.Disconnect > 0 && elapsed > w.Host.Disconnect {
		return true
	}
	return false
}

// nextBurst asks the supervisor for another batch unless suppression
// already forbids it.
func (w *WorkerCtx) nextBurst(nextBatch NextBatchFunc) (*Manifest, ValuesChanged, bool) {
	if w.burstSuppressed() || nextBatch == nil {
		return nil, 0, false
	}
	return nextBatch()
}

// retuneForBurst re-runs only the states a burst handoff's changed flags
// actually touched (spec.md §4.3 TUNE/CD: "re-emit on burst iterations
// only if the corresponding *_CHANGED flag is set").
func (w *WorkerCtx) retuneForBurst(ctx context.Context, log *afdlog.Logger, changed ValuesChanged) *afderrors.AFDError {
	if changed&(AuthChanged|TypeChanged) != 0 {
		if err := w.tune(ctx, log, changed); err != nil {
			return err
		}
	}
	if changed&TargetDirChanged != 0 {
		if err := w.cd(ctx, log, true); err != nil {
			return err
		}
	}
	return nil
}

package ssp

import (
	"time"

	"github.com/afd-project/afdsend/pkg/afdlog"
)

// DispatcherWaker wakes the supervisor's dispatcher by writing one byte to
// its wake FIFO (spec §4.1, §6 "FD wake FIFO"). The concrete FIFO write
// lives in internal/fifoctl; ssp only depends on this narrow function type
// to avoid an import cycle between the shared-state layer and the FIFO
// control plane.
type DispatcherWaker func() error

// UpdateTransferCounters implements the contract in spec §4.1: given
// (filesDelta, bytesDelta, remainingBatch), atomically under TFC it reduces
// the host's total file counter/size, increments the slot's progress
// counters, and publishes the result back into the table.
func UpdateTransferCounters(t *HostStatusTable, fd uintptr, hostPos, slotPos int, filesDelta int32, bytesDelta int64, remainingBatch int32) error {
	return WithHostLock(fd, t.RecordOffset(hostPos), LockTFC, func() error {
		e, err := t.Get(hostPos)
		if err != nil {
			return err
		}

		e.TotalFileCounter -= filesDelta
		if e.TotalFileCounter < 0 {
			e.TotalFileCounter = 0
		}
		e.TotalFileSize -= bytesDelta
		if e.TotalFileSize < 0 {
			e.TotalFileSize = 0
		}

		if slotPos >= 0 && slotPos < len(e.Jobs) {
			slot := &e.Jobs[slotPos]
			slot.NoOfFilesDone += uint32(filesDelta)
			slot.BytesSent += bytesDelta
			slot.FileSizeInUseDone += bytesDelta
		}
		_ = remainingBatch // published via the slot above; kept for call-site symmetry with spec §4.1

		return t.Put(hostPos, e)
	})
}

// UnsetErrorCounterFSA implements the contract in spec §4.1: under EC it
// clears the error counter and history and transitions any NOT_WORKING
// sibling slot to DISCONNECT; then under HS it clears the host's event
// flags (the full set if the event window has expired, the static subset
// otherwise), logging and waking the dispatcher if AUTO_PAUSE_QUEUE_STAT
// was set.
func UnsetErrorCounterFSA(t *HostStatusTable, fd uintptr, hostPos int, logger *afdlog.Logger, wake DispatcherWaker) error {
	if err := WithHostLock(fd, t.RecordOffset(hostPos), LockEC, func() error {
		e, err := t.Get(hostPos)
		if err != nil {
			return err
		}
		e.ErrorCounter = 0
		for i := range e.ErrorHistory {
			if i < 2 {
				e.ErrorHistory[i] = 0
			}
		}
		for i := range e.Jobs {
			if e.Jobs[i].Status == StatusNotWorking {
				e.Jobs[i].Status = StatusDisconnect
			}
		}
		return t.Put(hostPos, e)
	}); err != nil {
		return err
	}

	return WithHostLock(fd, t.RecordOffset(hostPos), LockHS, func() error {
		e, err := t.Get(hostPos)
		if err != nil {
			return err
		}

		wasAutoPaused := e.Flags&FlagAutoPauseQueueStat != 0
		windowExpired := !e.EventHandleSet.IsZero() && time.Since(e.EventHandleSet) > e.EventWindow

		if windowExpired {
			e.Flags &^= EventStatusFlags | FlagAutoPauseQueueStat
			e.EventHandleSet = time.Time{}
			e.EventHandleClear = time.Time{}
		} else {
			e.Flags &^= EventStatusStaticFlags | FlagAutoPauseQueueStat
		}

		if err := t.Put(hostPos, e); err != nil {
			return err
		}

		if wasAutoPaused {
			if logger != nil {
				logger.Info("Starting input queue that was stopped by init_afd", map[string]interface{}{
					"host": e.HostAlias,
					"event": "error-end",
				})
			}
			if wake != nil {
				return wake()
			}
		}
		return nil
	})
}

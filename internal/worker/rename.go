package worker

import "fmt"

// MaxRecipientLength and MaxFilenameLength bound the combined length of
// any derived path (spec.md §4.3.1 step 3).
const (
	MaxRecipientLength = 256
	MaxFilenameLength  = 256
)

// derivedNames holds the three path forms step 3 computes.
type derivedNames struct {
	FinalFilename  string // local-side display name
	InitialFilename string // what the remote sees during upload
	RemoteFilename string // final name after rename
}

// deriveNames computes FinalFilename/InitialFilename/RemoteFilename for
// one file, applying rename/locking rules in the fixed order spec.md
// §4.3.1 step 3 specifies. retries is the current SEQUENCE_LOCKING
// attempt count (0 on first try).
func (w *WorkerCtx) deriveNames(job FileJob, retries int) (derivedNames, error) {
	final := job.BaseName
	if w.Host.FastCD {
		final = joinRemotePath(w.Host.TargetDir, job.BaseName)
	}

	initial := job.BaseName

	switch w.Host.LockType {
	case LockDot:
		notation := "."
		if w.Host.LockNotation != "" {
			notation = w.Host.LockNotation
		}
		initial = notation + initial
	case LockDotVMS:
		notation := "."
		if w.Host.LockNotation != "" {
			notation = w.Host.LockNotation
		}
		initial = notation + initial
	case LockPostfix:
		notation := "."
		if w.Host.LockNotation != "" {
			notation = w.Host.LockNotation
		}
		initial = initial + notation
	case LockUnique:
		initial = fmt.Sprintf("%s.%d", initial, w.Job.UniqueName[1])
	case LockSequence:
		initial = fmt.Sprintf("%s-%d", initial, retries)
	}

	remote := job.BaseName
	if w.Host.LockType == LockDotVMS {
		remote = remote + ";"
	}

	names := derivedNames{FinalFilename: final, InitialFilename: initial, RemoteFilename: remote}
	if len(names.InitialFilename) > MaxRecipientLength+MaxFilenameLength {
		return derivedNames{}, fmt.Errorf("worker: derived initial_filename exceeds MAX_RECIPIENT_LENGTH+MAX_FILENAME_LENGTH")
	}
	return names, nil
}

// previousSequenceName returns the prior SEQUENCE_LOCKING attempt's
// remote name, which must be dele'd before writing the new attempt
// (spec.md §4.3.1 step 3d, §8 boundary behavior).
func (w *WorkerCtx) previousSequenceName(job FileJob, retries int) (string, bool) {
	if w.Host.LockType != LockSequence || retries == 0 {
		return "", false
	}
	return fmt.Sprintf("%s-%d", job.BaseName, retries-1), true
}

// stripVMSTrailingDot strips a DOT_VMS remote_filename's trailing ';'
// before logging, so observable logs match what LIST reports on the
// peer (spec.md §9 ambiguity note).
func stripVMSTrailingDot(name string) string {
	if len(name) > 0 && name[len(name)-1] == ';' {
		return name[:len(name)-1]
	}
	return name
}

func joinRemotePath(dir, name string) string {
	if dir == "" {
		return name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

package circuit

import (
	"context"
	stderr "errors"
	"time"

	"github.com/afd-project/afdsend/pkg/afderrors"
)

// IsSuccessfulAFD treats nil, errors that carry no *afderrors.AFDError, and
// afderrors codes outside the connect/control/data classes as successes;
// only the latter three classes count as failures, so a breaker keyed on it trips on
// the same failure classes the error classifier surfaces for a host, not
// on benign exits like STILL_FILES_TO_SEND. errors.As unwraps through the
// retry package's "max attempts exceeded" wrapping to reach the
// underlying *afderrors.AFDError.
func IsSuccessfulAFD(err error) bool {
	if err == nil {
		return true
	}
	var afdErr *afderrors.AFDError
	if !stderr.As(err, &afdErr) {
		return true
	}
	switch afderrors.GetClass(afdErr.Code) {
	case afderrors.ClassConnect, afderrors.ClassData, afderrors.ClassControl:
		return false
	default:
		return true
	}
}

// NewHostManager builds a Manager whose breakers trip per spec's own error
// classification rather than the default "50% of last 20 requests" rule,
// and whose named breakers are keyed by host alias.
func NewHostManager(tripAfterConsecutiveFailures uint32, openTimeout time.Duration) *Manager {
	return NewManager(Config{
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     openTimeout,
		IsSuccessful: func(err error) bool {
			return IsSuccessfulAFD(err)
		},
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= tripAfterConsecutiveFailures
		},
	})
}

// Guard wraps a worker's connect attempt against host in the named
// breaker; while the breaker is open, fn is not called and ErrOpenState is
// returned, which the worker's connect reports as CONNECT_ERROR rather than
// spend a connect attempt against a host already known to be down.
func (m *Manager) Guard(ctx context.Context, hostAlias string, fn func(context.Context) error) error {
	return m.GetBreaker(hostAlias).ExecuteWithContext(ctx, fn)
}

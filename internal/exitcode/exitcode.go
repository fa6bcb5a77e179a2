// Package exitcode translates a classified afderrors.AFDError (or a bare
// success/benign outcome) into the unsigned byte process exit code the
// CLI contract in spec §6 requires.
package exitcode

import "github.com/afd-project/afdsend/pkg/afderrors"

// FromError returns the exit byte for err, or SUCCESS's byte if err is nil.
func FromError(err *afderrors.AFDError) int {
	if err == nil {
		return int(afderrors.SUCCESS)
	}
	return int(err.Code)
}

// FromCode returns the exit byte for a bare code (used on the benign and
// signal-driven exit paths that never construct an AFDError).
func FromCode(c afderrors.Code) int {
	return int(c)
}

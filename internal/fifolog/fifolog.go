// Package fifolog provides the low-level logging surface for the FIFO
// control plane (dispatcher wake byte, delete FIFO records) — a distinct,
// lower-level surface from the per-transfer afdlog.Logger used in the
// hot path, the same way the control-plane and workload logging in a
// supervised process farm are usually kept apart.
package fifolog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger for the FIFO control plane, text-formatted
// with timestamps, mirroring the level naming already used by afdlog.
func New(output io.Writer, level logrus.Level) *logrus.Logger {
	if output == nil {
		output = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

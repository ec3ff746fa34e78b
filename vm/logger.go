package vm

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger    atomic.Pointer[zap.Logger]
	nopLogger = zap.NewNop()
)

// Logger returns the vm package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nopLogger
}

// SetLogger configures the vm package's logger. A nil logger restores
// the no-op default. Machines created afterwards without their own
// logger use it.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

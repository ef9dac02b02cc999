package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// OrNop returns logger, or a no-op logger if it is nil
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// DebugEnabled reports whether logger would write debug entries.
// Use it to guard building expensive debug fields.
func DebugEnabled(logger *zap.Logger) bool {
	return logger.Core().Enabled(zap.DebugLevel)
}

package txfs

import (
	"fmt"
	"log/slog"
)

// Logger is the diagnostic seam the engine uses for "log and continue"
// conditions: a corrupt journal record found during recovery, a missing
// snapshot during rollback, a lock release that failed after the resource
// was already gone. None of these stop an operation, so they are reported
// here rather than returned as errors.
//
// Embedders can supply their own implementation (backed by zerolog, hclog,
// slog, or anything else already wired into the host application) via
// [ManagerConfig.Logger]; [NewManager] defaults to [NewSlogLogger].
type Logger interface {
	Warnf(format string, args ...any)
}

// slogLogger adapts [*slog.Logger] to [Logger].
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l (or [slog.Default] if l is nil) as a [Logger].
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}

	return &slogLogger{l: l}
}

func (s *slogLogger) Warnf(format string, args ...any) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

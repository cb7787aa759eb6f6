// Package logging provides the structured logger every component receives
// at construction, plus the process-wide setup in slog.go.
package logging

// file: internal/logging/logger.go

// Logger is a leveled, key/value logger. Components tag it with their own
// "component" field via WithField instead of reaching for a global. The
// method set also satisfies retryablehttp.LeveledLogger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithField(key string, value any) Logger
}

// NoopLogger discards everything. It stands in wherever a nil logger was passed.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...any)          {}
func (*NoopLogger) Info(string, ...any)           {}
func (*NoopLogger) Warn(string, ...any)           {}
func (*NoopLogger) Error(string, ...any)          {}
func (l *NoopLogger) WithField(string, any) Logger { return l }

var (
	noop = &NoopLogger{}
	// root is swapped by Setup and InitLogging.
	root Logger = noop
)

// GetNoopLogger returns the shared no-op logger.
func GetNoopLogger() Logger { return noop }

// SetDefaultLogger replaces the logger GetLogger derives from. Nil is ignored.
func SetDefaultLogger(logger Logger) {
	if logger != nil {
		root = logger
	}
}

// GetLogger returns the default logger tagged with component=name.
func GetLogger(name string) Logger {
	return root.WithField("component", name)
}

// OrNoop returns logger, or the no-op logger when logger is nil.
func OrNoop(logger Logger) Logger {
	if logger == nil {
		return noop
	}
	return logger
}

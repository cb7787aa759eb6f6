// file: internal/logging/slog.go
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors slog levels so callers don't import log/slog just to pick one.
type Level = slog.Level

// Supported levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// levelVar is shared by every handler created here, so SetLevel takes
// effect on loggers that were handed out earlier.
var levelVar = new(slog.LevelVar)

// Options controls where and how log records are written.
type Options struct {
	// Level is the minimum level emitted ("debug", "info", "warn", "error").
	Level string
	// Format is "json" (default) or "text".
	Format string
	// File, when set, sends records to a size-rotated file instead of stderr.
	File string
	// MaxSizeMB is the rotation threshold for File.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing slog logger.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) WithField(key string, value any) Logger {
	return &slogLogger{l: s.l.With(key, value)}
}

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// InitLogging installs a JSON logger writing to w as the default logger.
func InitLogging(level Level, w io.Writer) {
	levelVar.Set(level)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar})
	SetDefaultLogger(NewSlogLogger(slog.New(h)))
}

// SetupDefaultLogger installs a stderr JSON logger at the named level.
func SetupDefaultLogger(level string) {
	InitLogging(ParseLevel(level), os.Stderr)
}

// Setup installs the default logger described by opts and returns the
// closer for the underlying file sink (a no-op for stderr).
func Setup(opts Options) io.Closer {
	levelVar.Set(ParseLevel(opts.Level))

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w, closer = rotating, rotating
	}

	handlerOpts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, handlerOpts)
	} else {
		h = slog.NewJSONHandler(w, handlerOpts)
	}
	SetDefaultLogger(NewSlogLogger(slog.New(h)))
	return closer
}

// SetLevel changes the minimum level of every logger created by this package.
func SetLevel(level Level) {
	levelVar.Set(level)
}

// IsDebugEnabled reports whether debug records are currently emitted.
func IsDebugEnabled() bool {
	return levelVar.Level() <= LevelDebug
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package moler

import (
	"log/slog"
)

// Logger defines the interface for engine logging.
// The engine uses structured logging with key-value pairs so that
// implementing applications can control how logs appear:
//
//	logger.Info("observer started", "observer", name, "timeout", timeout)
//
// This approach is compatible with popular structured logging libraries
// like slog, logrus, zap, and others.
//
// Levels as used by the engine: Debug for state transitions and
// subscribe/unsubscribe traffic, Info for observer start/finish, Warn for
// shutdown-time cancels, Error for submission failures.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog logger. A nil argument wraps
// slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// NopLogger discards all log output. It is the default logger for components
// constructed without an explicit one.
type NopLogger struct{}

func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) Debug(msg string, args ...any) {}

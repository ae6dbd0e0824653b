// Package logging provides structured logging using Go's slog package.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// ConnIDKey is the context key for connection IDs.
	ConnIDKey ContextKey = "conn_id"
)

var (
	mu sync.RWMutex

	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
	output        io.Writer = os.Stderr
)

var current = struct {
	level  Level
	format Format
}{LevelWarn, FormatText}

func init() {
	// Storage code is a library: stay quiet unless something goes wrong.
	InitLogger(LevelWarn, FormatText)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// ParseLevel converts a level name such as "debug" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat converts "json" or "text" into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "text", "":
		return FormatText, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// InitLogger initializes the global logger with the specified level and format.
func InitLogger(level Level, format Format) {
	mu.Lock()
	defer mu.Unlock()
	current.level, current.format = level, format
	defaultLogger = newLogger(output, level, format)
}

// SetOutput redirects the global logger, keeping its level and format.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	defaultLogger = newLogger(w, current.level, current.format)
}

func newLogger(w io.Writer, level Level, format Format) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithConnID adds a connection ID to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}

// GetConnID retrieves the connection ID from the context.
func GetConnID(ctx context.Context) string {
	if id, ok := ctx.Value(ConnIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext returns a logger with context values attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := GetLogger()
	if id := GetConnID(ctx); id != "" {
		logger = logger.With("conn_id", id)
	}
	return logger
}

// Helper functions for common logging patterns

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) {
	GetLogger().Debug(msg, args...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) {
	GetLogger().Info(msg, args...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) {
	GetLogger().Warn(msg, args...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) {
	GetLogger().Error(msg, args...)
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// Storage event helpers. Each takes the logger to write to so that
// connections can carry their own (nil means the global logger).

func pick(l *slog.Logger) *slog.Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}

// StateTransition logs a pager state change.
func StateTransition(l *slog.Logger, file, from, to string, args ...any) {
	allArgs := []any{
		"file", file,
		"from", from,
		"to", to,
	}
	allArgs = append(allArgs, args...)
	pick(l).Debug("pager_state", allArgs...)
}

// LockChange logs a file lock upgrade or downgrade.
func LockChange(l *slog.Logger, file, from, to string) {
	pick(l).Debug("file_lock", "file", file, "from", from, "to", to)
}

// Recovery logs a hot journal or WAL recovery.
func Recovery(l *slog.Logger, file, source string, pages int, args ...any) {
	allArgs := []any{
		"file", file,
		"source", source,
		"pages", pages,
	}
	allArgs = append(allArgs, args...)
	pick(l).Info("recovery", allArgs...)
}

// Checkpoint logs a completed WAL checkpoint.
func Checkpoint(l *slog.Logger, file string, frames, pages int) {
	pick(l).Info("wal_checkpoint", "file", file, "frames", frames, "pages", pages)
}

// Balance logs a b-tree balancing step.
func Balance(l *slog.Logger, kind string, page uint32, args ...any) {
	allArgs := []any{
		"kind", kind,
		"page", page,
	}
	allArgs = append(allArgs, args...)
	pick(l).Debug("btree_balance", allArgs...)
}

// Corruption logs a structural problem found while reading.
func Corruption(l *slog.Logger, file string, page uint32, err error) {
	pick(l).Warn("corruption", "file", file, "page", page, "error", err.Error())
}

// Vacuum logs an auto-vacuum or incremental vacuum pass.
func Vacuum(l *slog.Logger, file string, from, to uint32) {
	pick(l).Info("vacuum", "file", file, "from_pages", from, "to_pages", to)
}

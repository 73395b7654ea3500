// Package logging provides structured logging for the sync client.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for common fields
	traceIDKey  contextKey = "trace_id"
	accountKey  contextKey = "account"
	folderKey   contextKey = "folder"
	localIDKey  contextKey = "local_id"
	remoteIDKey contextKey = "remote_id"
)

// contextKeys is the order context fields appear in a record
var contextKeys = []contextKey{traceIDKey, accountKey, folderKey, localIDKey, remoteIDKey}

// Logger wraps slog with sync-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns the CLI default: human readable, on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	return NewWithWriter(cfg, output), nil
}

// NewWithWriter creates a Logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a default logger.
func Default() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

// WithTraceID returns a new context with the trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithAccount returns a new context with the account address.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// WithFolder returns a new context with the folder name.
func WithFolder(ctx context.Context, folder string) context.Context {
	return context.WithValue(ctx, folderKey, folder)
}

// WithLocalID returns a new context with the local short id.
func WithLocalID(ctx context.Context, localID string) context.Context {
	return context.WithValue(ctx, localIDKey, localID)
}

// WithRemoteID returns a new context with the remote message id.
func WithRemoteID(ctx context.Context, remoteID string) context.Context {
	return context.WithValue(ctx, remoteIDKey, remoteID)
}

// TraceID returns the trace id carried by ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []any {
	var args []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}

func withContext(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	if len(attrs) == 0 {
		return args
	}
	return append(attrs, args...)
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, withContext(ctx, args)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	allArgs := withContext(ctx, args)
	if err != nil {
		allArgs = append([]any{"error", err.Error()}, allArgs...)
	}
	l.Logger.ErrorContext(ctx, msg, allArgs...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, withContext(ctx, args)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, withContext(ctx, args)...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Sync returns a logger configured for sync passes.
func (l *Logger) Sync() *Logger {
	return l.component("sync")
}

// Storage returns a logger configured for storage operations.
func (l *Logger) Storage() *Logger {
	return l.component("storage")
}

// Remote returns a logger configured for remote service calls.
func (l *Logger) Remote() *Logger {
	return l.component("remote")
}

// IDPool returns a logger configured for id pool operations.
func (l *Logger) IDPool() *Logger {
	return l.component("idpool")
}

func (l *Logger) component(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

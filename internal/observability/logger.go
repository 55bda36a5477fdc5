// Package observability provides structured logging for relaycast.
package observability

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/relaycast/relaycast/internal/config"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// loggerKey is the context key for the logger.
	loggerKey contextKey = "logger"
)

// redactMarker replaces sensitive values in log output.
const redactMarker = "[REDACTED]"

// sensitiveFields are attribute names whose values are never logged.
// Matching is case-insensitive.
var sensitiveFields = []string{
	"secret", "password", "token", "apikey", "api_key", "credential", "key",
}

// sensitiveParams are URL query parameters scrubbed from logged URLs.
var sensitiveParams = []string{
	"secret", "password", "token", "apikey", "api_key", "credential", "key",
}

// NewLogger creates a new slog.Logger based on the provided configuration.
// The logger supports JSON and text formats with configurable log levels.
// Sensitive attribute values (secrets, keys, tokens) are redacted.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided
// writer. This is useful for testing or custom output destinations.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	redact := newRedactor()

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			if isSensitiveKey(a.Key) {
				return slog.String(a.Key, redactMarker)
			}
			if a.Value.Kind() == slog.KindString {
				if scrubbed, changed := scrubURL(a.Value.String()); changed {
					return slog.String(a.Key, scrubbed)
				}
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// newRedactor builds the masq attribute filter for struct-valued attributes.
// Field names inside logged structs matching the sensitive list are masked
// even when the top-level attribute key looks harmless.
func newRedactor() func([]string, slog.Attr) slog.Attr {
	opts := []masq.Option{masq.WithRedactMessage(redactMarker)}
	for _, f := range sensitiveFields {
		opts = append(opts,
			masq.WithFieldName(f),
			masq.WithFieldName(strings.ToUpper(f[:1])+f[1:]),
			masq.WithFieldName(strings.ToUpper(f)),
		)
	}
	return masq.New(opts...)
}

// isSensitiveKey reports whether an attribute key names a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range sensitiveFields {
		if lower == f {
			return true
		}
	}
	return false
}

// scrubURL replaces sensitive query parameter values in a URL string.
// Returns the input unchanged when it is not a URL or carries no
// sensitive parameters.
func scrubURL(s string) (string, bool) {
	if !strings.Contains(s, "?") || !strings.Contains(s, "://") {
		return s, false
	}
	u, err := url.Parse(s)
	if err != nil || u.RawQuery == "" {
		return s, false
	}
	q := u.Query()
	changed := false
	for name := range q {
		lower := strings.ToLower(name)
		for _, p := range sensitiveParams {
			if lower == p {
				q.Set(name, redactMarker)
				changed = true
				break
			}
		}
	}
	if !changed {
		return s, false
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithChannel adds a channel ID to the logger for correlating broadcast activity.
func WithChannel(logger *slog.Logger, channelID string) *slog.Logger {
	return logger.With(slog.String("channel_id", channelID))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycast/relaycast/internal/config"
)

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger := NewLoggerWithWriter(cfg, &buf)

	logger.Info("hello", slog.String("channel_id", "ch-1"))

	output := buf.String()
	assert.Contains(t, output, `"msg":"hello"`)
	assert.Contains(t, output, `"channel_id":"ch-1"`)
}

func TestNewLoggerWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "info", Format: "text"}
	logger := NewLoggerWithWriter(cfg, &buf)

	logger.Info("hello text")

	assert.Contains(t, buf.String(), "hello text")
	assert.NotContains(t, buf.String(), "{")
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		logDebug bool
		logInfo  bool
		logWarn  bool
		logError bool
	}{
		{"debug", true, true, true, true},
		{"info", false, true, true, true},
		{"warn", false, false, true, true},
		{"error", false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.level, Format: "json"}, &buf)

			logger.Debug("d")
			assert.Equal(t, tt.logDebug, bytes.Contains(buf.Bytes(), []byte(`"msg":"d"`)))
			logger.Info("i")
			assert.Equal(t, tt.logInfo, bytes.Contains(buf.Bytes(), []byte(`"msg":"i"`)))
			logger.Warn("w")
			assert.Equal(t, tt.logWarn, bytes.Contains(buf.Bytes(), []byte(`"msg":"w"`)))
			logger.Error("e")
			assert.Equal(t, tt.logError, bytes.Contains(buf.Bytes(), []byte(`"msg":"e"`)))
		})
	}
}

func TestSensitiveFieldRedaction(t *testing.T) {
	tests := []struct {
		name      string
		fieldName string
		value     string
	}{
		{"secret lowercase", "secret", "topsecret"},
		{"secret capitalized", "Secret", "TopSecret"},
		{"key lowercase", "key", "stream-key-value"},
		{"password", "password", "hunter2"},
		{"token", "token", "jwt-abc"},
		{"api_key", "api_key", "ak_12345"},
		{"apikey uppercase", "APIKEY", "AK_9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

			logger.Info("test", slog.String(tt.fieldName, tt.value))

			output := buf.String()
			assert.NotContains(t, output, tt.value)
			assert.Contains(t, output, "[REDACTED]")
		})
	}
}

func TestURLParameterRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("request", slog.String("url", "http://relay.local/stream?url=http%3A%2F%2Fup%2Fa.ts&key=mysecretkey"))

	output := buf.String()
	assert.NotContains(t, output, "mysecretkey")
	assert.Contains(t, output, "[REDACTED]")
	// The upstream URL parameter itself survives.
	assert.Contains(t, output, "url=")
}

func TestNonSensitiveNotRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("test",
		slog.String("client", "10.0.0.1"),
		slog.Int("sinks", 3),
	)

	output := buf.String()
	assert.Contains(t, output, "10.0.0.1")
	assert.Contains(t, output, `"sinks":3`)
	assert.NotContains(t, output, "[REDACTED]")
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	enriched := WithComponent(WithChannel(WithRequestID(logger, "req-1"), "ch-9"), "hub")
	enriched.Info("chained")

	output := buf.String()
	assert.Contains(t, output, `"request_id":"req-1"`)
	assert.Contains(t, output, `"channel_id":"ch-9"`)
	assert.Contains(t, output, `"component":"hub"`)
}

func TestWithErrorNil(t *testing.T) {
	logger := slog.Default()
	assert.Same(t, logger, WithError(logger, nil))
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	got := LoggerFromContext(ctx)
	got.Info("from context")

	assert.Contains(t, buf.String(), "from context")
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

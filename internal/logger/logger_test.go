package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis-qos/internal/logger"
)

func TestNew_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logger.New(
		logger.WithOutput(&buf),
		logger.WithService("worker", "test"),
		logger.WithAttr(slog.String("region", "eu")),
	)
	l.Info("hello", slog.Int("n", 1))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "worker", rec["service"])
	assert.Equal(t, "test", rec["env"])
	assert.Equal(t, "eu", rec["region"])
	assert.EqualValues(t, 1, rec["n"])
}

func TestNew_TextAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logger.New(
		logger.WithOutput(&buf),
		logger.WithFormat(logger.FormatText),
		logger.WithLevel(slog.LevelWarn),
	)
	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestWithFormat_Invalid(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
}

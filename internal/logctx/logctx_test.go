package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer

	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")

	return entry
}

func TestLoggerFromContext_RoundTrip(t *testing.T) {
	logger, buf := captureLogger()
	ctx := WithLogger(context.Background(), logger)

	LoggerFromContext(ctx).Info("hello")

	entry := lastEntry(t, buf)
	assert.Equal(t, "hello", entry["msg"])
}

func TestLoggerFromContext_FallsBackToDefault(t *testing.T) {
	got := LoggerFromContext(context.Background())

	require.NotNil(t, got)
	assert.Same(t, slog.Default(), got)
}

func TestWith_ScopesAttributes(t *testing.T) {
	logger, buf := captureLogger()
	ctx := WithLogger(context.Background(), logger)

	ctx = With(ctx, "dataset", "cifar10")
	LoggerFromContext(ctx).Info("downloading")

	entry := lastEntry(t, buf)
	assert.Equal(t, "cifar10", entry["dataset"])
	assert.Equal(t, "downloading", entry["msg"])
}

func TestWith_DoesNotMutateParentContext(t *testing.T) {
	logger, buf := captureLogger()
	parent := WithLogger(context.Background(), logger)

	_ = With(parent, "task_id", "mnist/train.gz")
	LoggerFromContext(parent).Info("untouched")

	entry := lastEntry(t, buf)
	_, found := entry["task_id"]
	assert.False(t, found, "scoped attribute should not leak into the parent logger")
}

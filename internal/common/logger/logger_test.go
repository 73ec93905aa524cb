package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runpool.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.ForRun("task-1", "model-a", "run-1").Info("hello", zap.Int("n", 1))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"task-1"`)
	assert.Contains(t, string(data), `"run_id":"run-1"`)
	assert.Contains(t, string(data), `"model_id":"model-a"`)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "verbose", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, log.Zap().Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Zap().Core().Enabled(zap.InfoLevel))
}

func TestSetLevel_AppliesToChildren(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	child := log.Component("executor")
	assert.False(t, child.Zap().Core().Enabled(zap.DebugLevel))

	changed, err := log.SetLevel("debug")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, child.Zap().Core().Enabled(zap.DebugLevel))
	assert.Equal(t, "debug", child.Level())

	changed, err = log.SetLevel("debug")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = log.SetLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "debug", log.Level())
}

func TestForRun_SkipsEmptyParts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runpool.log")
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.ForRun("task-1", "model-a", "").Info("preview")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"task-1"`)
	assert.NotContains(t, string(data), `"run_id"`)

	nop := NewNop()
	assert.Same(t, nop, nop.ForRun("", "", ""))
}

func TestWithContext_RequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))

	nop := NewNop()
	assert.Same(t, nop, nop.WithContext(context.Background()))
	assert.NotSame(t, nop, nop.WithContext(ctx))
}

func TestNewTestLogger(t *testing.T) {
	log := NewTestLogger(t)
	log.ForRun("t1", "m1", "r1").Info("written to the test log")
}

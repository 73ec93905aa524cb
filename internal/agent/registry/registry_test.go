package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

func TestDefaultModels(t *testing.T) {
	entries, err := DefaultModels()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.NoError(t, ValidateEntry(e), e.ID)
	}
}

func writeModels(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_LoadFromFileOverridesDefaults(t *testing.T) {
	reg := NewRegistry(logger.NewTestLogger(t))
	require.NoError(t, reg.LoadDefaults())
	path := writeModels(t, `
version: "1"
models:
  - id: claude-sonnet
    display_name: Sonnet (local gateway)
    endpoint: http://127.0.0.1:4000
    api_key_env: GATEWAY_KEY
    enabled: false
  - id: "bad/id"
    enabled: true
  - id: glm
    activity_timeout_minutes: 20
    enabled: true
`)
	require.NoError(t, reg.LoadFromFile(path))

	e, err := reg.Get("claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4000", e.Endpoint)
	assert.False(t, e.Enabled)

	_, err = reg.Get("bad/id")
	assert.Error(t, err)

	ids := make([]string, 0)
	for _, m := range reg.List() {
		ids = append(ids, m.ID)
	}
	assert.IsIncreasing(t, ids)
	assert.Contains(t, ids, "glm")
}

func TestRegistry_LoadFromFileErrors(t *testing.T) {
	reg := NewRegistry(logger.NewTestLogger(t))
	assert.Error(t, reg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, reg.LoadFromFile(writeModels(t, "models: [unterminated")))
}

func TestModelEntry_ToModelConfig(t *testing.T) {
	e := &ModelEntry{ID: "glm", APIKeyEnv: "GLM_KEY", WallClockTimeoutMinutes: 30, Enabled: true}
	env := map[string]string{"GLM_KEY": "sk-glm"}
	cfg := e.ToModelConfig(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "glm", cfg.DisplayName)
	assert.Equal(t, "sk-glm", cfg.APIKey)
	assert.Equal(t, 30, cfg.WallClockTimeoutMinutes)
	assert.True(t, cfg.Enabled)
}

func TestRegistry_SeedKeepsEditedConfigs(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertModelConfig(ctx, &models.ModelConfig{ModelID: "claude-opus", DisplayName: "edited", Enabled: false}))

	reg := NewRegistry(logger.NewTestLogger(t))
	require.NoError(t, reg.LoadDefaults())
	n, err := reg.Seed(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, len(reg.List()), n)

	opus, err := repo.GetModelConfig(ctx, "claude-opus")
	require.NoError(t, err)
	assert.Equal(t, "edited", opus.DisplayName)
	assert.False(t, opus.Enabled)

	sonnet, err := repo.GetModelConfig(ctx, "claude-sonnet")
	require.NoError(t, err)
	assert.True(t, sonnet.Enabled)
}

// Package registry loads the model registry (models.yaml) and seeds model
// configs into storage.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// modelsFile is the structure of a models.yaml file
type modelsFile struct {
	Version string        `yaml:"version"`
	Models  []*ModelEntry `yaml:"models"`
}

// ModelEntry is one model in the registry file
type ModelEntry struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"display_name"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	APIKeyEnv     string `yaml:"api_key_env,omitempty"` // env var holding the upstream key
	UpstreamModel string `yaml:"upstream_model,omitempty"`

	ActivityTimeoutMinutes  int  `yaml:"activity_timeout_minutes,omitempty"`
	WallClockTimeoutMinutes int  `yaml:"wall_clock_timeout_minutes,omitempty"`
	Enabled                 bool `yaml:"enabled"`
}

// ToModelConfig resolves the entry into a storable config. lookup reads
// environment variables.
func (e *ModelEntry) ToModelConfig(lookup func(string) (string, bool)) *models.ModelConfig {
	cfg := &models.ModelConfig{
		ModelID:                 e.ID,
		DisplayName:             e.DisplayName,
		Endpoint:                e.Endpoint,
		UpstreamModel:           e.UpstreamModel,
		ActivityTimeoutMinutes:  e.ActivityTimeoutMinutes,
		WallClockTimeoutMinutes: e.WallClockTimeoutMinutes,
		Enabled:                 e.Enabled,
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = e.ID
	}
	if e.APIKeyEnv != "" && lookup != nil {
		if key, ok := lookup(e.APIKeyEnv); ok {
			cfg.APIKey = key
		}
	}
	return cfg
}

// ValidateEntry checks a registry entry
func ValidateEntry(e *ModelEntry) error {
	if e.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if strings.ContainsAny(e.ID, `/\ `) {
		return fmt.Errorf("model id %q must not contain slashes or spaces", e.ID)
	}
	if e.ActivityTimeoutMinutes < 0 || e.WallClockTimeoutMinutes < 0 {
		return fmt.Errorf("timeouts of %q must not be negative", e.ID)
	}
	return nil
}

func parse(data []byte) ([]*ModelEntry, error) {
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	return f.Models, nil
}

// Seeder is the storage operation seeding needs.
type Seeder interface {
	SeedModelConfig(ctx context.Context, cfg *models.ModelConfig) error
}

// Registry holds the models read from the registry files
type Registry struct {
	models map[string]*ModelEntry
	mu     sync.RWMutex
	logger *logger.Logger
	lookup func(string) (string, bool)
}

// NewRegistry creates a new model registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		models: make(map[string]*ModelEntry),
		logger: log.Component("model-registry"),
		lookup: os.LookupEnv,
	}
}

// LoadDefaults loads the embedded default models
func (r *Registry) LoadDefaults() error {
	entries, err := DefaultModels()
	if err != nil {
		return err
	}
	r.add(entries, "defaults")
	return nil
}

// LoadFromFile loads models from a YAML file. Entries override defaults with the same id.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read models file: %w", err)
	}
	entries, err := parse(data)
	if err != nil {
		return err
	}
	r.add(entries, path)
	return nil
}

func (r *Registry) add(entries []*ModelEntry, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if err := ValidateEntry(e); err != nil {
			r.logger.Warn("skipping invalid model entry",
				zap.String("source", source),
				zap.Error(err))
			continue
		}
		r.models[e.ID] = e
		r.logger.Debug("loaded model", zap.String("id", e.ID), zap.String("source", source))
	}
}

// Get returns a model entry
func (r *Registry) Get(id string) (*ModelEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("model %q not found", id)
	}
	return e, nil
}

// List returns all entries ordered by id
func (r *Registry) List() []*ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModelEntry, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Seed inserts a config for every registry model that storage does not know
// yet. Configs edited through the API are left alone.
func (r *Registry) Seed(ctx context.Context, store Seeder) (int, error) {
	n := 0
	for _, e := range r.List() {
		if err := store.SeedModelConfig(ctx, e.ToModelConfig(r.lookup)); err != nil {
			return n, fmt.Errorf("seed model %s: %w", e.ID, err)
		}
		n++
	}
	r.logger.Info("model registry seeded", zap.Int("models", n))
	return n, nil
}

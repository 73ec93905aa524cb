package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

// ErrNoCredential is returned when neither the model nor the global config has an API key.
var ErrNoCredential = errors.New("no upstream credential configured")

// ModelStore reads per-model configuration.
type ModelStore interface {
	GetModelConfig(ctx context.Context, modelID string) (*models.ModelConfig, error)
}

// Upstream is the resolved destination of a model's API calls.
type Upstream struct {
	ModelID       string
	BaseURL       *url.URL
	APIKey        string
	UpstreamModel string
}

// Resolver resolves per-model credentials, falling back to the global defaults.
type Resolver struct {
	store      ModelStore
	defaultURL string
	defaultKey string
}

// NewResolver creates a resolver. defaultURL and defaultKey apply to models
// without their own endpoint or key, and to models with no stored config.
func NewResolver(store ModelStore, defaultURL, defaultKey string) *Resolver {
	return &Resolver{store: store, defaultURL: defaultURL, defaultKey: defaultKey}
}

// Resolve returns the upstream of modelID.
func (r *Resolver) Resolve(ctx context.Context, modelID string) (*Upstream, error) {
	endpoint, key, upstreamModel := r.defaultURL, r.defaultKey, ""

	cfg, err := r.store.GetModelConfig(ctx, modelID)
	switch {
	case err == nil:
		if cfg.Endpoint != "" {
			endpoint = cfg.Endpoint
		}
		if cfg.APIKey != "" {
			key = cfg.APIKey
		}
		upstreamModel = cfg.UpstreamModel
	case errors.Is(err, repository.ErrModelNotFound):
	default:
		return nil, fmt.Errorf("load model config %s: %w", modelID, err)
	}

	if key == "" {
		return nil, fmt.Errorf("%w for model %s", ErrNoCredential, modelID)
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream endpoint %q for model %s", endpoint, modelID)
	}
	return &Upstream{ModelID: modelID, BaseURL: u, APIKey: key, UpstreamModel: upstreamModel}, nil
}

// Secrets lists the values that must never appear in the output of modelID's agents.
func (r *Resolver) Secrets(ctx context.Context, modelID string) []string {
	secrets := []string{r.defaultKey, r.defaultURL}
	if up, err := r.Resolve(ctx, modelID); err == nil {
		secrets = append(secrets, up.APIKey, up.BaseURL.String())
	}
	return secrets
}

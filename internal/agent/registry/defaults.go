package registry

import (
	_ "embed"
	"fmt"
)

//go:embed models.yaml
var defaultModelsYAML []byte

// DefaultModels returns the model entries shipped with the binary.
func DefaultModels() ([]*ModelEntry, error) {
	entries, err := parse(defaultModelsYAML)
	if err != nil {
		return nil, fmt.Errorf("embedded models.yaml: %w", err)
	}
	return entries, nil
}

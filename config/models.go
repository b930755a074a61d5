package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eventfold/eventfold/internal/projection"
)

// ModelsDocument is the on-disk layout of read model declarations.
type ModelsDocument struct {
	Models []projection.ReadModel `yaml:"models"`
}

// LoadModels reads read model declarations from the YAML document at path
// and validates each one.
func LoadModels(path string) ([]projection.ReadModel, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("models path required")
	}
	raw, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return nil, fmt.Errorf("read models document: %w", err)
	}
	var doc ModelsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal models document: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Models))
	for _, model := range doc.Models {
		if err := model.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[model.Name]; dup {
			return nil, fmt.Errorf("models document declares %q twice", model.Name)
		}
		seen[model.Name] = struct{}{}
	}
	return doc.Models, nil
}

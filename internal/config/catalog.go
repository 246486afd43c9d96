package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// catalogFile is the on-disk shape of the predefined models file.
type catalogFile struct {
	PredefinedModels []types.PredefinedModel `json:"predefined_models" yaml:"predefined_models" toml:"predefined_models"`
}

// Catalog is the read-only set of deployable models, indexed by abbr and by
// full name.
type Catalog struct {
	entries []types.PredefinedModel
	byKey   map[string]types.PredefinedModel
}

// LoadCatalog reads a predefined-models file based on its extension.
// Supports: .json, .yaml/.yml, .toml
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty catalog path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf catalogFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(b, &cf); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cf); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cf); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	return NewCatalog(cf.PredefinedModels), nil
}

// NewCatalog builds a Catalog from a slice of entries.
func NewCatalog(entries []types.PredefinedModel) *Catalog {
	c := &Catalog{
		entries: append([]types.PredefinedModel(nil), entries...),
		byKey:   make(map[string]types.PredefinedModel, len(entries)*2),
	}
	for _, m := range entries {
		c.byKey[m.Abbr] = m
		if m.Name != "" {
			c.byKey[m.Name] = m
		}
	}
	return c
}

// Get looks up a catalog entry by abbr or full model name.
func (c *Catalog) Get(key string) (types.PredefinedModel, bool) {
	m, ok := c.byKey[key]
	return m, ok
}

// All returns a copy of every catalog entry.
func (c *Catalog) All() []types.PredefinedModel {
	out := make([]types.PredefinedModel, len(c.entries))
	copy(out, c.entries)
	return out
}

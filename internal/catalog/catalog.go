// Package catalog lists the scoring models a job can be submitted against.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/fraud-review/api-go/internal/model"
)

// Index mirrors models_index.yaml: models -> variant -> versions.
type Index struct {
	Models map[string]map[string][]string `yaml:"models"`
}

type Catalog struct {
	models  []model.ModelInfo
	current string
}

var defaultIndex = Index{
	Models: map[string]map[string][]string{
		"baseline": {"default": {"v1.0.0"}},
	},
}

func Label(name, variant, version string) string {
	return fmt.Sprintf("%s - %s - %s", name, variant, version)
}

// Load reads the index at path. An empty path yields the built-in catalogue.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return FromIndex(defaultIndex)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models index: %w", err)
	}
	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("invalid YAML in models index: %w", err)
	}
	return FromIndex(idx)
}

func FromIndex(idx Index) (*Catalog, error) {
	if len(idx.Models) == 0 {
		return nil, errors.New("models index has no models")
	}
	names := make([]string, 0, len(idx.Models))
	for name := range idx.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &Catalog{}
	for _, name := range names {
		variants := idx.Models[name]
		vnames := make([]string, 0, len(variants))
		for v := range variants {
			vnames = append(vnames, v)
		}
		sort.Strings(vnames)
		for _, variant := range vnames {
			for _, version := range variants[variant] {
				c.models = append(c.models, model.ModelInfo{
					Name:    name,
					Variant: variant,
					Version: version,
					Label:   Label(name, variant, version),
				})
			}
		}
	}
	if len(c.models) == 0 {
		return nil, errors.New("models index has no versions")
	}
	c.current = c.models[0].Label
	return c, nil
}

func (c *Catalog) Models() []model.ModelInfo {
	out := make([]model.ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Find looks a model up by label or by bare version.
func (c *Catalog) Find(ref string) (model.ModelInfo, bool) {
	for _, m := range c.models {
		if m.Label == ref || m.Version == ref {
			return m, true
		}
	}
	return model.ModelInfo{}, false
}

// SetCurrent selects the model used when a submission names none.
func (c *Catalog) SetCurrent(ref string) error {
	m, ok := c.Find(ref)
	if !ok {
		return fmt.Errorf("%w: unknown model %q", model.ErrValidation, ref)
	}
	c.current = m.Label
	return nil
}

func (c *Catalog) Default() model.ModelInfo {
	m, _ := c.Find(c.current)
	return m
}

// Resolve maps a requested model to its label; empty selects the default.
func (c *Catalog) Resolve(ref string) (string, error) {
	if ref == "" {
		return c.current, nil
	}
	m, ok := c.Find(ref)
	if !ok {
		return "", fmt.Errorf("%w: unknown model %q", model.ErrValidation, ref)
	}
	return m.Label, nil
}

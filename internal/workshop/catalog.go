package workshop

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/agilelab/internal/project"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Module is the read-only description of one workshop step.
type Module struct {
	ID          string        `yaml:"id" json:"id"`
	Stage       project.Stage `yaml:"stage" json:"stage"`
	Day         int           `yaml:"day" json:"day"`
	Type        string        `yaml:"type" json:"type"`
	Title       string        `yaml:"title" json:"title"`
	Tagline     string        `yaml:"tagline" json:"tagline"`
	Description string        `yaml:"description" json:"description"`
	Objectives  []string      `yaml:"objectives" json:"objectives"`
	Quote       string        `yaml:"quote" json:"quote"`
	Checklist   []string      `yaml:"checklist,omitempty" json:"checklist,omitempty"`
}

type catalogFile struct {
	Modules []Module `yaml:"modules"`
}

var loadCatalog = sync.OnceValues(func() ([]Module, error) {
	return parseCatalog(catalogYAML)
})

func parseCatalog(data []byte) ([]Module, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("workshop: decode catalog: %w", err)
	}
	if len(f.Modules) != len(project.Stages) {
		return nil, fmt.Errorf("workshop: catalog has %d modules, want %d", len(f.Modules), len(project.Stages))
	}
	for i, m := range f.Modules {
		want := project.Stages[i]
		if m.Stage != want || m.ID != want.ModuleID() {
			return nil, fmt.Errorf("workshop: catalog entry %d is %s/%s, want %s/%s", i, m.ID, m.Stage, want.ModuleID(), want)
		}
	}
	return f.Modules, nil
}

// Catalog returns the workshop modules in facilitation order.
func Catalog() ([]Module, error) {
	mods, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	out := make([]Module, len(mods))
	copy(out, mods)
	return out, nil
}

// ModuleFor returns the catalog entry of s.
func ModuleFor(s project.Stage) (Module, error) {
	mods, err := loadCatalog()
	if err != nil {
		return Module{}, err
	}
	for _, m := range mods {
		if m.Stage == s {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%w: %q", project.ErrUnknownStage, s)
}

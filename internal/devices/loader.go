package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

// Loader reads beamline definition files from a list of search paths.
type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds name in the search paths. name may carry a .yaml or .yml
// extension or be a path of its own.
func (l *Loader) Load(name string) (*types.BeamlineDefinition, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*types.BeamlineDefinition), nil
	}

	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.cache.Store(name, def)
	return def, nil
}

func (l *Loader) resolve(name string) (string, error) {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = []string{name + ".yaml", name + ".yml"}
	}

	if filepath.IsAbs(name) {
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
		}
		return "", fmt.Errorf("definition not found: %s", name)
	}

	for _, searchPath := range l.searchPaths {
		for _, c := range candidates {
			fullPath := filepath.Join(searchPath, c)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}
	return "", fmt.Errorf("definition not found: %s (searched in: %v)", name, l.searchPaths)
}

// Parse validates data and decodes it.
func (l *Loader) Parse(data []byte) (*types.BeamlineDefinition, error) {
	if err := l.validator.ValidateDocument(data); err != nil {
		return nil, err
	}

	var def types.BeamlineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if err := CheckReferences(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadAll loads every name in order.
func (l *Loader) LoadAll(names []string) ([]*types.BeamlineDefinition, error) {
	defs := make([]*types.BeamlineDefinition, 0, len(names))
	for _, name := range names {
		def, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value any) bool {
		l.cache.Delete(key)
		return true
	})
}

// Package persona loads declarative persona definitions from YAML files.
// Personas select a provider, carry the prompt and constraints, and may
// override provider settings; the core consumes them read-only.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openpersona/agent-runner/internal/domain"
)

// Load reads personas/<name>.yaml from dir
func Load(dir, name string) (*domain.Persona, error) {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindFileNotFound, "persona not found: %s", path)
		}
		return nil, err
	}

	p := &domain.Persona{Enabled: true, Provider: "stub"}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if err := validate(p); err != nil {
		return nil, fmt.Errorf("persona %s: %w", name, err)
	}
	return p, nil
}

// LoadAll loads a set of personas by name, preserving the given order
func LoadAll(dir string, names []string) ([]domain.Persona, error) {
	personas := make([]domain.Persona, 0, len(names))
	for _, name := range names {
		p, err := Load(dir, name)
		if err != nil {
			return nil, err
		}
		if !p.Enabled {
			continue
		}
		personas = append(personas, *p)
	}
	return personas, nil
}

// List returns the names of all persona files in dir, sorted
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

func validate(p *domain.Persona) error {
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	return nil
}

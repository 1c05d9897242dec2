package sequence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"followup/internal/domain"
)

// LoadFile reads a single definition from disk.
func LoadFile(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sequence path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}
	def, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// LoadDir loads every .yaml/.yml definition in dir. A missing directory
// yields no definitions.
func LoadDir(dir string) ([]*Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sequences dir %s: %w", dir, err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	def.Description = strings.TrimSpace(def.Description)
	if def.UseCase == "" {
		def.UseCase = domain.UseCaseLeadFollowUp
	}
	for i := range def.Steps {
		def.Steps[i].Unit = strings.ToLower(strings.TrimSpace(def.Steps[i].Unit))
		def.Steps[i].Template = strings.TrimSpace(def.Steps[i].Template)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

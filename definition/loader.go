package definition

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conductorhq/conductor/types"
)

// LoadFile reads and validates a workflow definition from a YAML or JSON
// file, chosen by extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "read workflow file %s", path).WithCause(err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data)
	case ".json":
		return LoadJSON(data)
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unsupported workflow file extension: %s", path)
	}
}

// LoadYAML parses and validates a YAML workflow definition.
func LoadYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse workflow YAML").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadJSON parses and validates a JSON workflow definition.
func LoadJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse workflow JSON").WithCause(err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDir loads every *.yaml, *.yml, and *.json definition in a directory
// (non-recursive). Duplicate workflow names across files are rejected.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "read workflow directory %s", dir).WithCause(err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, types.NewErrorf(types.ErrValidation,
				"duplicate workflow name %q in %s", def.Name, entry.Name())
		}
		defs[def.Name] = def
	}
	return defs, nil
}

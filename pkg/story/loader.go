package story

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// loadPackFile parses one YAML pack document.
func loadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pack %s: %w", path, err)
	}
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pack %s: %w", path, err)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return &p, nil
}

// loadPackDir reads every *.yaml/*.yml document under dir, sorted by
// filename so repeated loads see packs in a stable order. A missing
// directory is not an error; deployments may run on builtins alone.
func loadPackDir(dir string) ([]*Pack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pack dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	packs := make([]*Pack, 0, len(names))
	for _, name := range names {
		p, err := loadPackFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, nil
}

// Package skill scans the skills directory for SKILL.md manifests. Only
// the frontmatter (name, description) is loaded at scan time; the full
// instruction body is read on activation.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info is one catalog entry, built from SKILL.md frontmatter.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Dir         string `json:"-"`
}

// frontmatter is the YAML header of a SKILL.md file.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Registry scans and serves skills under one directory.
type Registry struct {
	dir string
}

// NewRegistry creates a Registry over the given skills directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Scan walks the skills directory and returns the catalog in name order.
// A missing directory yields an empty catalog.
func (r *Registry) Scan() ([]Info, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan skills: %w", err)
	}

	var catalog []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifest := filepath.Join(r.dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(manifest)
		if err != nil {
			continue
		}
		info := parseManifest(e.Name(), data)
		info.Dir = filepath.Join(r.dir, e.Name())
		catalog = append(catalog, info)
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	return catalog, nil
}

// Instructions loads the full SKILL.md body for activation. Returns
// ("", false) when the skill does not exist.
func (r *Registry) Instructions(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(r.dir, name, "SKILL.md"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// parseManifest extracts the frontmatter; on any parse trouble the
// directory name stands in for the skill name.
func parseManifest(dirName string, data []byte) Info {
	text := string(data)
	if !strings.HasPrefix(text, "---") {
		return Info{Name: dirName}
	}
	parts := strings.SplitN(text, "---", 3)
	if len(parts) < 3 {
		return Info{Name: dirName}
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return Info{Name: dirName}
	}
	name := fm.Name
	if name == "" {
		name = dirName
	}
	return Info{Name: name, Description: strings.TrimSpace(fm.Description)}
}

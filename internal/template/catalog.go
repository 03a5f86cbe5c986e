// Package template loads the catalog of pre-approved message templates used
// to initiate contact outside a provider's engagement window.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chatbridge/internal/domain"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk YAML shape of one template.
type Definition struct {
	Ref      string `yaml:"ref"`
	Body     string `yaml:"body"`
	WhatsApp struct {
		Name     string `yaml:"name"`
		Language string `yaml:"language"`
	} `yaml:"whatsapp"`
}

// Catalog resolves template references for the dispatcher.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]domain.Template
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]domain.Template)}
}

// LoadFromDirectory loads template definitions from YAML files in a directory.
// Files must have .yaml or .yml extension. Unreadable or malformed files are
// skipped with a warning so one bad file does not hide the rest.
func LoadFromDirectory(dir string, logger *slog.Logger) (*Catalog, error) {
	c := NewCatalog()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("templates directory does not exist, skipping", "dir", dir)
		return c, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read template file", "path", path, "err", err)
			continue
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn("cannot parse template file", "path", path, "err", err)
			continue
		}

		if def.Ref == "" {
			def.Ref = strings.TrimSuffix(name, filepath.Ext(name))
		}
		c.Add(def)
		logger.Info("loaded message template", "ref", def.Ref, "path", path)
	}

	return c, nil
}

// Add registers a template definition, replacing any previous one with the
// same ref.
func (c *Catalog) Add(def Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[def.Ref] = domain.Template{
		Ref:      def.Ref,
		Body:     def.Body,
		Name:     def.WhatsApp.Name,
		Language: def.WhatsApp.Language,
	}
}

// Resolve returns the template for a reference.
func (c *Catalog) Resolve(ref string) (domain.Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tmpl, ok := c.templates[ref]
	if !ok {
		return domain.Template{}, fmt.Errorf("unknown template %q", ref)
	}
	return tmpl, nil
}

// Len returns the number of registered templates.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

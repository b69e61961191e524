// Package templates loads the catalog of resume templates offered by the
// template picker.
package templates

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("template not found")

// Template describes one resume template.
type Template struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Price       float64  `yaml:"price" json:"price"`
	Active      bool     `yaml:"active" json:"active"`
	Layout      string   `yaml:"layout" json:"layout"`
	Roles       []string `yaml:"roles" json:"roles"`
	File        string   `yaml:"file" json:"file"`
}

// Catalog is an immutable, id ordered set of templates.
type Catalog struct {
	list []Template
	byID map[string]int
}

// Load reads a YAML catalog from path. An empty path yields an empty catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document with a top level "templates" list.
func Parse(raw []byte) (*Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	return New(doc.Templates)
}

// New validates list and builds a catalog from it.
func New(list []Template) (*Catalog, error) {
	c := &Catalog{list: make([]Template, 0, len(list)), byID: make(map[string]int, len(list))}
	for i, t := range list {
		if t.ID == "" {
			return nil, fmt.Errorf("template %d has no id", i)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if t.Price < 0 {
			return nil, fmt.Errorf("template %q has a negative price", t.ID)
		}
		c.byID[t.ID] = -1
		c.list = append(c.list, t)
	}
	sort.Slice(c.list, func(i, j int) bool { return c.list[i].ID < c.list[j].ID })
	for i, t := range c.list {
		c.byID[t.ID] = i
	}
	return c, nil
}

// Len returns the number of templates, active or not.
func (c *Catalog) Len() int { return len(c.list) }

// Active returns the templates that may be offered to users.
func (c *Catalog) Active() []Template {
	out := make([]Template, 0, len(c.list))
	for _, t := range c.list {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (Template, error) {
	i, ok := c.byID[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return c.list[i], nil
}

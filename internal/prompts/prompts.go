// Package prompts holds the versioned prompt templates sent to the
// completion backend.
package prompts

import (
	_ "embed"
	"strings"
	"sync"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var builtin []byte

// Latest selects the most recently registered version of a prompt.
const Latest = "latest"

// Prompt is one template definition.
type Prompt struct {
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	System   string            `yaml:"system"`
	Template string            `yaml:"template"`
	Schema   map[string]string `yaml:"schema"`

	tmpl *template.Template
}

// Rendered is a prompt ready to send.
type Rendered struct {
	Name    string
	Version string
	System  string
	Prompt  string
	Schema  map[string]string
}

// Catalog is a registry of prompts keyed by name and version.
type Catalog struct {
	mu      sync.RWMutex
	prompts map[string]map[string]*Prompt
	latest  map[string]string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		prompts: make(map[string]map[string]*Prompt),
		latest:  make(map[string]string),
	}
}

// Default returns a catalog loaded with the built-in prompts.
func Default() (*Catalog, error) {
	c := NewCatalog()
	if err := c.Load(builtin); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses a YAML document of the form {prompts: [...]} and registers
// every entry.
func (c *Catalog) Load(data []byte) error {
	var doc struct {
		Prompts []Prompt `yaml:"prompts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "prompts: parse yaml")
	}
	for _, p := range doc.Prompts {
		if err := c.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Register compiles and stores p. The newest registration of a name becomes
// its latest version.
func (c *Catalog) Register(p Prompt) error {
	if p.Name == "" || p.Version == "" {
		return eris.New("prompts: name and version are required")
	}
	tmpl, err := template.New(p.Name + "@" + p.Version).
		Option("missingkey=error").
		Parse(p.Template)
	if err != nil {
		return eris.Wrapf(err, "prompts: compile %s@%s", p.Name, p.Version)
	}
	p.tmpl = tmpl

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompts[p.Name] == nil {
		c.prompts[p.Name] = make(map[string]*Prompt)
	}
	c.prompts[p.Name][p.Version] = &p
	c.latest[p.Name] = p.Version
	return nil
}

// Versions lists registered versions by prompt name.
func (c *Catalog) Versions() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.prompts))
	for name, vs := range c.prompts {
		for v := range vs {
			out[name] = append(out[name], v)
		}
	}
	return out
}

func (c *Catalog) get(name, version string) (*Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if version == "" || version == Latest {
		version = c.latest[name]
	}
	p, ok := c.prompts[name][version]
	if !ok {
		return nil, eris.Errorf("prompts: %s@%s not found", name, version)
	}
	return p, nil
}

// Render executes the named prompt with data.
func (c *Catalog) Render(name, version string, data any) (Rendered, error) {
	p, err := c.get(name, version)
	if err != nil {
		return Rendered{}, err
	}
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return Rendered{}, eris.Wrapf(err, "prompts: render %s@%s", p.Name, p.Version)
	}
	return Rendered{
		Name:    p.Name,
		Version: p.Version,
		System:  strings.TrimSpace(p.System),
		Prompt:  strings.TrimSpace(b.String()),
		Schema:  p.Schema,
	}, nil
}

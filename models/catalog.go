// Package models loads the model catalog: which models exist, their default
// prompts, whether they run on CPU, and how to launch their backend.
package models

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"localdream/core"
)

// BackendCommand is the command line that serves a model on the backend port.
// Args may contain {port}, {model_dir} and {size} placeholders.
type BackendCommand struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Model is one catalog entry.
type Model struct {
	ID                    string          `yaml:"id"`
	Name                  string          `yaml:"name"`
	Description           string          `yaml:"description"`
	RunOnCPU              bool            `yaml:"run_on_cpu"`
	GenerationSize        int             `yaml:"generation_size"`
	DefaultPrompt         string          `yaml:"default_prompt"`
	DefaultNegativePrompt string          `yaml:"default_negative_prompt"`
	Dir                   string          `yaml:"dir"`
	Downloaded            bool            `yaml:"downloaded"`
	Backend               *BackendCommand `yaml:"backend"`
}

// ExternallyManaged reports whether something other than localdream starts
// the backend for this model.
func (m Model) ExternallyManaged() bool {
	return m.Backend == nil || m.Backend.Command == ""
}

// CommandLine returns the backend argv with placeholders filled in.
func (m Model) CommandLine(port int) []string {
	if m.ExternallyManaged() {
		return nil
	}
	r := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{model_dir}", m.Dir,
		"{size}", strconv.Itoa(m.GenerationSize),
	)
	argv := []string{r.Replace(m.Backend.Command)}
	for _, a := range m.Backend.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

// Catalog is an ordered set of models.
type Catalog struct {
	Models []Model `yaml:"models"`

	byID map[string]int
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.ErrCatalogInvalid(path, err.Error())
	}
	return ParseCatalog(path, data)
}

// ParseCatalog parses YAML catalog bytes. name is used in error messages.
func ParseCatalog(name string, data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, core.ErrCatalogInvalid(name, err.Error())
	}
	if err := c.index(); err != nil {
		return nil, core.ErrCatalogInvalid(name, err.Error())
	}
	return &c, nil
}

func (c *Catalog) index() error {
	c.byID = make(map[string]int, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if m.ID == "" {
			return fmt.Errorf("model #%d has no id", i+1)
		}
		if _, dup := c.byID[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		if m.GenerationSize == 0 {
			m.GenerationSize = core.DefaultGenerationSize
		}
		if err := core.ValidateSize(m.GenerationSize); err != nil {
			return fmt.Errorf("model %q generation_size: %w", m.ID, err)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		c.byID[m.ID] = i
	}
	return nil
}

// Get returns the model with id.
func (c *Catalog) Get(id string) (Model, error) {
	if i, ok := c.byID[id]; ok {
		return c.Models[i], nil
	}
	return Model{}, core.ErrModelNotFound(id)
}

// FirstDownloaded returns the first downloaded model in catalog order.
func (c *Catalog) FirstDownloaded() (Model, bool) {
	for _, m := range c.Models {
		if m.Downloaded {
			return m, true
		}
	}
	return Model{}, false
}

// List returns the models sorted with downloaded ones first, keeping
// catalog order within each group.
func (c *Catalog) List() []Model {
	out := append([]Model(nil), c.Models...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Downloaded && !out[j].Downloaded
	})
	return out
}

package subagent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentcore/core"
	"gopkg.in/yaml.v3"
)

// Definitions is a thread-safe registry of spawnable agent types.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]core.AgentDefinition
}

// NewDefinitions creates a registry pre-populated with the given definitions.
func NewDefinitions(defs ...core.AgentDefinition) *Definitions {
	d := &Definitions{defs: make(map[string]core.AgentDefinition)}
	for _, def := range defs {
		d.defs[def.Type] = def
	}
	return d
}

// Register adds or replaces a definition. Later registrations win, so
// project-local definitions can shadow built-ins.
func (d *Definitions) Register(def core.AgentDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defs[def.Type] = def
}

// Get returns the definition for an agent type.
func (d *Definitions) Get(agentType string) (core.AgentDefinition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[agentType]
	return def, ok
}

// Types returns the sorted registered agent type names.
func (d *Definitions) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.defs))
	for t := range d.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Describe renders a model-facing catalog of available agent types.
func (d *Definitions) Describe() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.defs))
	for t := range d.defs {
		types = append(types, t)
	}
	sort.Strings(types)

	var sb strings.Builder
	for _, t := range types {
		fmt.Fprintf(&sb, "- %s: %s\n", t, d.defs[t].Description)
	}
	return sb.String()
}

// definitionFile is the on-disk YAML shape of a custom agent definition.
type definitionFile struct {
	Type            string   `yaml:"type"`
	Description     string   `yaml:"description"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	Model           string   `yaml:"model"`
	SystemPrompt    string   `yaml:"system_prompt"`
	ForkContext     bool     `yaml:"fork_context"`
	MaxTurns        int      `yaml:"max_turns"`
	PermissionMode  string   `yaml:"permission_mode"`
}

// LoadDir reads every *.yaml / *.yml file in dir and registers the contained
// definitions. Files shadow already registered types of the same name.
func (d *Definitions) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		def, err := loadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		d.Register(def)
	}

	return nil
}

func loadDefinitionFile(path string) (core.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.AgentDefinition{}, fmt.Errorf("read definition %s: %w", path, err)
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return core.AgentDefinition{}, fmt.Errorf("parse definition %s: %w", path, err)
	}

	if file.Type == "" {
		return core.AgentDefinition{}, fmt.Errorf("definition %s is missing a type", path)
	}
	if file.Description == "" {
		return core.AgentDefinition{}, fmt.Errorf("definition %s is missing a description", path)
	}

	def := core.AgentDefinition{
		Type:            file.Type,
		Description:     file.Description,
		AllowedTools:    file.AllowedTools,
		DisallowedTools: file.DisallowedTools,
		Model:           file.Model,
		ForkContext:     file.ForkContext,
		MaxTurns:        file.MaxTurns,
		PermissionMode:  core.PermissionMode(file.PermissionMode),
	}
	if def.PermissionMode == "" {
		def.PermissionMode = core.PermissionDefault
	}
	if len(def.AllowedTools) == 0 {
		def.AllowedTools = []string{core.AllToolsWildcard}
	}
	if file.SystemPrompt != "" {
		def.SystemPrompt = core.StaticSystemPrompt(file.SystemPrompt)
	}

	return def, nil
}

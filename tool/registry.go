package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentcore/model"
)

// Registry manages a collection of tools available to loops.
//
// It provides thread-safe registration and lookup plus policy-aware
// resolution: given an agent's allow/deny lists the registry produces the
// concrete tool subset a loop may expose to the model. The wildcard "*"
// in an allow list grants every registered tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds a tool to the registry. Registering a tool with a name that
// is already taken returns an error instead of silently replacing it.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t

	return nil
}

// MustRegister registers a tool and panics on name collision. Intended for
// static setup in main functions and tests.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]

	return t, ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	return tools
}

// Resolve computes the tool subset visible to a loop.
//
// Semantics:
//   - allowed nil or containing "*" grants every registered tool
//   - otherwise only names present in allowed are granted
//   - disallowed removes names after the allow step
//   - exclude removes additional names (used to strip delegation tools
//     from subagent toolsets)
//
// Unknown names in any list are ignored; resolution never fails.
func (r *Registry) Resolve(allowed, disallowed []string, exclude ...string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	denied := make(map[string]struct{}, len(disallowed)+len(exclude))
	for _, name := range disallowed {
		denied[name] = struct{}{}
	}
	for _, name := range exclude {
		denied[name] = struct{}{}
	}

	allowAll := len(allowed) == 0
	allowSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		if name == "*" {
			allowAll = true
			continue
		}
		allowSet[name] = struct{}{}
	}

	var tools []Tool
	for name, t := range r.tools {
		if _, deny := denied[name]; deny {
			continue
		}
		if !allowAll {
			if _, ok := allowSet[name]; !ok {
				continue
			}
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	return tools
}

// Definitions converts tools into the declarative form sent to models.
func Definitions(tools []Tool) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		}
	}
	return defs
}

// Package executor dispatches tool invocations for the agent server.
//
// Tools are registered by name and invoked with a structured argument map,
// returning a structured result or a failure. The executor offers three
// modes: single invocation (cache-backed), parallel fan-out/fan-in, and
// sequential pipelines with a forward-propagating context.
package executor

import (
	"context"
	"encoding/json"
	"sort"
)

// Func is a tool capability: structured arguments in, structured result or
// error out. Implementations must be stateless — all cross-call state lives
// in the executor, never in the tool. ctx carries the per-call deadline.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is a registered capability with its metadata. Parameters is the raw
// JSON Schema for the argument object; it documents the tool for the
// LLM/clients and is not enforced by the executor.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Run         Func            `json:"-"`
}

// Registry maps tool names to capabilities. Register everything at startup;
// the registry is read-only afterwards and safe for concurrent lookups.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering an existing name overwrites it.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name] = t
}

// Lookup returns the named tool and whether it exists.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the metadata for every registered tool, sorted by
// name, for advertising the registry to clients.
func (r *Registry) Definitions() []Tool {
	defs := make([]Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		defs = append(defs, r.tools[name])
	}
	return defs
}

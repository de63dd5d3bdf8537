package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is one callable memory operation exposed over the MCP surface.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON Schema of the tool's arguments.
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolsCallResult, error)
}

// Registry holds the registered tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice is a programming
// error and panics.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("mcp: tool %q already registered", name))
	}
	r.tools[name] = t
	r.order = append(r.order, name)
}

// Get returns a tool by name, nil when unknown.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all tool definitions in registration order.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

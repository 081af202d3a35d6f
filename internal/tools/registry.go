package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTool signals a request for a tool that was never
// registered. This is a protocol bug in the caller (usually the model
// hallucinating a name), not a runtime condition to absorb.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call. Returned errors and panics are
// converted into observation strings by Execute; a tool can never crash
// the agent runtime.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Parameter describes one property of a tool's argument object.
// Parameters without a default are required.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
}

type entry struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to handlers and their generated call
// schemas. Registration is append-only per process; lookups are O(1).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

var jsonTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

// Register adds a tool. Parameter types outside the JSON schema set
// default to "string". Registering the same name twice is a programming
// error and returns it as such.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", def.Name)
	}

	for i, p := range def.Parameters {
		if !jsonTypes[p.Type] {
			def.Parameters[i].Type = "string"
		}
	}

	r.tools[def.Name] = entry{def: def, handler: h}
	r.order = append(r.order, def.Name)
	return nil
}

// Definitions returns function-call schemas for every registered tool,
// in registration order, in the shape chat backends expect.
func (r *Registry) Definitions() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].def

		properties := make(map[string]any, len(def.Parameters))
		var required []string
		for _, p := range def.Parameters {
			properties[p.Name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}

		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters": map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   required,
				},
			},
		})
	}
	return out
}

// Execute runs a registered tool. Execution failures (handler errors
// and panics) come back as descriptive result strings, never as errors:
// the agent should see its own tool failures and react to them. Only an
// unknown name fails loudly.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result any, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("Error executing tool %s: panic: %v", name, rec)
			err = nil
		}
	}()

	out, execErr := e.handler(ctx, args)
	if execErr != nil {
		return fmt.Sprintf("Error executing tool %s: %v", name, execErr), nil
	}
	return out, nil
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

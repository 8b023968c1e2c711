// Package tools implements the lookup tools the planner can call and the
// registry that validates and dispatches their arguments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/szaher/tripagent/internal/llm"
)

// Tool is a named capability the planner may invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns a JSON Schema object describing the arguments.
	// Property "default" values are applied before validation.
	Schema() map[string]any
	// Invoke runs the tool with validated arguments and returns a
	// JSON-serializable result.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t, compiling its schema. A tool with the same name is replaced.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tools: empty tool name")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Schema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = entry{tool: t, schema: schema}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions for the model in name order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := r.tools[n].tool
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Prepare applies schema defaults to args and validates the result.
// Validation failures are returned as *ValidationError.
func (r *Registry) Prepare(name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: %q not registered", name)
	}

	params := ApplyDefaults(e.tool.Schema(), args)

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, &ValidationError{Tool: name, Problems: []string{err.Error()}, Params: params}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return nil, &ValidationError{Tool: name, Problems: problems, Params: params}
	}
	return params, nil
}

// ApplyDefaults returns a copy of args with missing properties filled from
// the schema's "default" values. Explicit nulls are treated as missing.
func ApplyDefaults(schema map[string]any, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			out[k] = v
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		def, has := prop["default"]
		if _, set := out[name]; !set && has {
			out[name] = def
		}
	}
	return out
}

// MarshalResult serializes a tool result for the conversation log.
func MarshalResult(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("tools: marshal result: %w", err)
	}
	return string(data), nil
}

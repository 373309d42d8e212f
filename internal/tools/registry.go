// Package tools defines the tools advisors can call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTool is returned when a tool name has no registration.
var ErrUnknownTool = errors.New("unknown tool")

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Streaming tools forward their output to the caller as it is
	// produced; the transcript records a placeholder instead.
	Streaming bool `json:"-"`

	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Later registrations with the
// same name replace earlier ones.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the wire schema the gateways accept.
func (r *Registry) List() []map[string]any {
	return r.ListFor(nil)
}

// ListFor returns the wire schemas for the named tools. A nil allow
// list means every registered tool; unknown names are skipped.
func (r *Registry) ListFor(allowed []string) []map[string]any {
	var names []string
	if allowed == nil {
		names = r.Names()
	} else {
		for _, name := range allowed {
			if r.tools[name] != nil {
				names = append(names, name)
			}
		}
	}

	var result []map[string]any
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given JSON arguments. A
// panicking handler is reported as an error, not a crash.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (result string, err error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	ctx = WithRegistry(ctx, r)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()

	return tool.Handler(ctx, args)
}

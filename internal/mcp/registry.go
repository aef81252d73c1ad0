package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Tool is one facade tool (manage_task, manage_context, ...). Execute
// receives the raw argument object and returns the serialized response
// envelope; domain failures are reported inside the envelope, a non-nil
// error is reserved for transport-level problems.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*ToolsCallResult, error)
}

// Registry holds the fixed tool set. Input schemas are compiled once at
// registration; Call validates arguments before the tool runs.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	schemas   map[string]*gojsonschema.Schema
	toolOrder []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool and compiles its input schema. Panics on a duplicate
// name or an invalid schema; both are programmer errors caught at startup.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tool %q already registered", name))
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.InputSchema()))
	if err != nil {
		panic(fmt.Sprintf("tool %q has an invalid input schema: %v", name, err))
	}

	r.tools[name] = t
	r.schemas[name] = schema
	r.toolOrder = append(r.toolOrder, name)
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool definitions in registration order.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Call validates the arguments against the tool's compiled schema and runs
// the tool. A NOT_FOUND error means the tool name is unknown; a
// VALIDATION_ERROR means the arguments failed the schema.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (*ToolsCallResult, error) {
	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if tool == nil {
		return nil, models.NewNotFound("tool", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, models.NewValidation("arguments are not a JSON object: %v", err)
	}
	if !result.Valid() {
		return nil, models.NewValidation("invalid arguments: %s", describeViolations(result))
	}

	return tool.Execute(ctx, args)
}

func describeViolations(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

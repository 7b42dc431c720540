// Package tools defines tool declarations handed to the turn engine: a JSON
// Schema for the arguments plus either a synchronous handler or an
// asynchronous callback. The registry compiles parameter schemas once at
// registration and validates model-produced arguments before any handler runs.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/loom/runtime/retry"
)

// Handler executes a synchronous tool call and returns its result. The result
// is JSON-serialized into the tool call record.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Notification describes an async tool invocation delivered to a Callback.
// The callback acknowledges receipt; the result arrives later through
// AddToolResult or AddToolError.
type Notification struct {
	ThreadID   string
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// Callback notifies the application that an async tool call was requested.
type Callback func(ctx context.Context, n Notification) error

// ExecutionRetry configures sync handler retry.
type ExecutionRetry struct {
	// Enabled turns execution retry on.
	Enabled bool
	// MaxAttempts bounds attempts including the first. Zero uses the default.
	MaxAttempts int
	// Backoff overrides the delay policy. Zero value uses the default.
	Backoff retry.Backoff
	// ShouldRetryError overrides the default retryability predicate.
	ShouldRetryError func(err error) bool
}

// Definition declares a tool available to the model.
type Definition struct {
	// Name is the tool identifier the model invokes.
	Name string
	// Description is surfaced to the model.
	Description string
	// Parameters is a JSON-Schema object describing the arguments. Top-level
	// $-prefixed fields are rejected.
	Parameters map[string]any
	// Handler makes the tool synchronous. Exactly one of Handler and
	// Callback must be set.
	Handler Handler
	// Callback makes the tool asynchronous.
	Callback Callback
	// Retry configures sync execution retry. Nil disables retry.
	Retry *ExecutionRetry
	// TimeoutMs overrides the default tool call timeout. Nil uses the
	// default; pointing at zero disables the timeout.
	TimeoutMs *int64
	// SaveDelta controls whether tool outcomes are emitted as deltas.
	// Defaults to true at registration.
	SaveDelta *bool
}

// Async reports whether the tool completes through external result ingestion.
func (d *Definition) Async() bool { return d.Callback != nil }

// Compiled pairs a definition with its compiled parameter schema.
type Compiled struct {
	Definition
	schema *jsonschema.Schema
}

// ValidateArgs checks model-produced arguments against the parameter schema.
func (c *Compiled) ValidateArgs(args json.RawMessage) error {
	if c.schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("tool %q: arguments are not valid JSON: %w", c.Name, err)
	}
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("tool %q: invalid arguments: %w", c.Name, err)
	}
	return nil
}

// Registry holds the compiled tool set for a thread's turns. Safe for
// concurrent lookup after registration.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Compiled
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Compiled)}
}

// Register compiles and adds a tool definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tools: name is required")
	}
	if (def.Handler == nil) == (def.Callback == nil) {
		return fmt.Errorf("tools: %q must declare exactly one of handler and callback", def.Name)
	}
	compiled, err := compile(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("tools: %q registered twice", def.Name)
	}
	r.defs[def.Name] = compiled
	return nil
}

// MustRegister registers or panics. For wiring-time registration.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.defs[name]
	return c, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

// Schemas returns name → parameter schema for building model requests.
func (r *Registry) Schemas() map[string]Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Schema, len(r.defs))
	for name, c := range r.defs {
		out[name] = Schema{
			Description: c.Description,
			Parameters:  c.Parameters,
		}
	}
	return out
}

// Schema is the model-facing tool declaration.
type Schema struct {
	Description string
	Parameters  map[string]any
}

func compile(def Definition) (*Compiled, error) {
	params := def.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	for key := range params {
		if len(key) > 0 && key[0] == '$' {
			return nil, fmt.Errorf("tools: %q parameters must not contain %q", def.Name, key)
		}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tools: %q parameters are not serializable: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: %q parameters are not valid JSON: %w", def.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "loom://tools/" + def.Name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: %q schema resource: %w", def.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: %q schema does not compile: %w", def.Name, err)
	}
	return &Compiled{Definition: def, schema: schema}, nil
}

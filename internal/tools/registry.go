// ABOUTME: Tool definition store mapping tool names to schemas and in-process handlers
// ABOUTME: Merges local tools with delegate-declared names for per-user listings

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrToolAlreadyRegistered is returned when registering a name twice.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrInvalidTool is returned for definitions that cannot be registered.
	ErrInvalidTool = errors.New("invalid tool definition")
)

// Listing sources.
const (
	SourceLocal    = "local"
	SourceDelegate = "delegate"
)

// Output is what a handler produces. Text is the human-readable content; Data
// is an optional structured payload.
type Output struct {
	Text string
	Data json.RawMessage
}

// Handler executes a local tool for a user. Handlers must honour ctx
// cancellation; a timed-out call cancels ctx and discards the output.
type Handler func(ctx context.Context, userID string, input map[string]any) (*Output, error)

// Definition describes a tool independent of how it executes.
type Definition struct {
	Name        string
	Description string
	Schema      Schema
}

// Tool is a registered local tool.
type Tool struct {
	Definition
	Handler Handler

	compiled *jsonschema.Schema
}

// ValidateInput checks input against the tool's schema.
func (t *Tool) ValidateInput(input map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	return validate(t.compiled, input)
}

// ToolInfo is one entry of a per-user tool listing.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Source      string         `json:"source"`
	DelegateID  string         `json:"delegateId,omitempty"`
}

// DelegateToolSource exposes the tools a user's connected delegates declare,
// keyed by tool name, with the delegate id that would execute each one.
type DelegateToolSource interface {
	ToolTargetsForUser(userID string) map[string]string
}

// Registry holds local tool definitions. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a local tool.
// Returns ErrToolAlreadyRegistered if the name is taken and ErrInvalidTool for
// an empty name, a nil handler, or a schema that does not compile.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, def.Name)
	}

	compiled, err := def.Schema.compile()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTool, def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, def.Name)
	}

	r.tools[def.Name] = &Tool{
		Definition: def,
		Handler:    handler,
		compiled:   compiled,
	}

	r.logger.Debug("registered tool", "tool_name", def.Name, "fields", len(def.Schema))
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(def Definition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the local tool with the given name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// List returns all local tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListForUser returns local tools plus tools declared by the user's delegates.
// A local tool shadows a delegate-declared tool of the same name.
func (r *Registry) ListForUser(userID string, delegates DelegateToolSource) []ToolInfo {
	local := r.List()
	seen := make(map[string]bool, len(local))

	out := make([]ToolInfo, 0, len(local))
	for _, t := range local {
		seen[t.Name] = true
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema.JSONSchema(),
			Source:      SourceLocal,
		})
	}

	if delegates != nil {
		for name, delegateID := range delegates.ToolTargetsForUser(userID) {
			if seen[name] {
				continue
			}
			out = append(out, ToolInfo{
				Name:       name,
				Source:     SourceDelegate,
				DelegateID: delegateID,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Package tools provides the registry of business functions callable
// by the model, and the single boundary where argument decoding and
// context injection happen.
package tools

import (
	"context"

	"github.com/solano/gestor-agent/internal/llm"
)

// BusinessManager is the opaque business-data handle injected into
// every tool call. The core never inspects it; registered handlers
// assert it to whatever concrete type the host supplied.
type BusinessManager any

// Channel is the opaque conversation/channel handle injected into
// every tool call, used by handlers that post to the chat surface.
type Channel any

// Invocation carries a tool call's decoded arguments plus the three
// injected context values.
type Invocation struct {
	// Args is the model-chosen keyword arguments. Never nil; an empty
	// or blank payload decodes to an empty map.
	Args map[string]any

	// Agent is the acting agent identity (the bot's display name).
	Agent string

	// Channel is the originating conversation/channel handle.
	Channel Channel

	// Manager is the host's business-data manager.
	Manager BusinessManager

	// Transcript is the conversation log at call time. Populated only
	// for tools registered with WantTranscript (e.g. create_lead).
	Transcript []llm.Message
}

// Handler executes one tool call and returns its text result.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Tool is one registry entry: the catalogue description sent verbatim
// to the model, and the host-side callable.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema-like spec of the keyword arguments.
	Parameters map[string]any
	Handler    Handler
	// WantTranscript requests the conversation log in the Invocation.
	WantTranscript bool
}

// Registry holds the name→callable mapping and the parallel tool
// catalogue. The two stay name-synchronized by construction: both are
// derived from the same Tool entries.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A repeated name replaces the previous entry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, nil if absent.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Catalog returns the tool definitions for the model, in registration
// order.
func (r *Registry) Catalog() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Execute resolves name and runs its handler. An absent name returns
// *UnknownToolError; the caller decides whether that fails a batch.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", &UnknownToolError{ToolName: name}
	}
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	return t.Handler(ctx, inv)
}

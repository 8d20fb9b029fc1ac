// Package llm provides the model gateway and provider-neutral chat types.
package llm

// Recognized message roles. The first message of a conversation is
// always RoleSystem; RoleTool messages carry the originating call id.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidRole reports whether role is one of the four recognized roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Roles lists the recognized roles, for error messages.
func Roles() []string {
	return []string{RoleSystem, RoleUser, RoleAssistant, RoleTool}
}

// Message is a provider-neutral chat message. Wire format conversion
// happens at the gateway boundary (openai.go).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool
	// executions.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool messages to correlate the
	// result with the originating call. Name is carried for logging
	// and formatting, not for dispatch.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a model-issued request to execute one named function.
// The ID is unique within one model response; Arguments is the raw
// JSON payload as emitted by the model (may be empty or blank).
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one catalogue entry sent to the model:
// name, human-readable description, and a JSON-schema-like parameter
// spec.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResponse is the raw model response for one gateway call. It
// carries either plain assistant text or a non-empty tool-call list.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage, when the provider reports it.
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the response requests tool executions.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

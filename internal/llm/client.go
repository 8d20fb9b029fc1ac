package llm

import "context"

// Client is the model gateway interface. One call per loop iteration:
// the full ordered message log and the full tool catalogue go in, the
// raw model response comes out. Transport and auth errors propagate to
// the caller unwrapped into the turn; the gateway itself never retries
// past the point where the server may have seen the request.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error)

	// Ping checks whether the provider is reachable.
	Ping(ctx context.Context) error
}

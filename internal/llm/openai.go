package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/solano/gestor-agent/internal/httpkit"
)

// OpenAIConfig holds gateway construction settings. Any
// OpenAI-compatible endpoint works via BaseURL.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// ProxyURL is an optional outbound HTTP proxy. A malformed value
	// is logged and ignored; the gateway falls back to a direct
	// connection rather than failing construction.
	ProxyURL string
}

// OpenAIClient implements Client against an OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient builds the model gateway. Construction never fails
// on proxy misconfiguration; transport problems surface on first call.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	httpOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(5 * time.Minute),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}

	if cfg.ProxyURL != "" {
		proxy, err := httpkit.ParseProxyURL(cfg.ProxyURL)
		if err != nil {
			logger.Warn("invalid proxy url, using direct connection", "error", err)
		} else {
			logger.Info("outbound proxy configured", "proxy_host", proxy.Host)
			httpOpts = append(httpOpts, httpkit.WithProxy(proxy))
		}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpkit.NewClient(httpOpts...)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger,
	}
}

// Chat sends one chat completion request with the full message log and
// tool catalogue and returns the provider-neutral response.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toWireMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = toWireTools(tools)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: response has no choices")
	}

	out := &ChatResponse{
		Model:        resp.Model,
		Message:      fromWireMessage(resp.Choices[0].Message),
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	c.logger.Debug("chat completion",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)

	return out, nil
}

// Ping checks the endpoint by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// toWireMessages converts the neutral log to the SDK's message unions.
func toWireMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		out = append(out, toWireMessage(m))
	}
	return out
}

func toWireMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content)
	case RoleUser:
		return openai.UserMessage(m.Content)
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)
	default: // assistant
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		if len(m.ToolCalls) > 0 {
			asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
}

// toWireTools converts the catalogue to the SDK representation.
func toWireTools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return out
}

// fromWireMessage converts an SDK response message to the neutral type.
func fromWireMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{
		Role:    RoleAssistant,
		Content: m.Content,
	}
	if len(m.ToolCalls) > 0 {
		msg.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			msg.ToolCalls[i] = ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
		}
	}
	return msg
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client. Without option.WithAPIKey the SDK
// reads ANTHROPIC_API_KEY.
func NewAnthropicClient(opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// Chat sends one non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msg, err := c.client.Messages.New(ctx, buildAnthropicParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return decodeAnthropicMessage(msg), nil
}

func buildAnthropicParams(req ChatRequest) anthropic.MessageNewParams {
	system, turns := encodeAnthropicTurns(req.System, req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  turns,
		MaxTokens: int64(maxTokens),
		Tools:     encodeAnthropicTools(req.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	return params
}

// encodeAnthropicTurns folds system messages into the system prompt and
// groups the tool results answering one assistant turn into a single user
// turn, which the Messages API requires.
func encodeAnthropicTurns(prompt string, log []Message) (string, []anthropic.MessageParam) {
	var system []string
	if prompt != "" {
		system = append(system, prompt)
	}

	turns := make([]anthropic.MessageParam, 0, len(log))
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			turns = append(turns, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range log {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			if r := m.ToolResult; r != nil {
				results = append(results, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
		case RoleUser:
			flush()
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" || len(m.ToolCalls) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			turns = append(turns, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), turns
}

func encodeAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: param.NewOpt(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: d.InputSchema["properties"],
					Required:   requiredFields(d.InputSchema["required"]),
				},
			},
		})
	}
	return tools
}

// requiredFields accepts the []string of built-in schemas and the []any of
// schemas decoded from JSON.
func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func decodeAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: mapStopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			CacheRead:    int(msg.Usage.CacheReadInputTokens),
			CacheWrite:   int(msg.Usage.CacheCreationInputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := map[string]any{}
			if err := json.Unmarshal(block.Input, &input); err != nil {
				input = map[string]any{"_error": fmt.Sprintf("failed to parse tool input: %v", err)}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp.Content = text.String()
	return resp
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(reason)
	}
}

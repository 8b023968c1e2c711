package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	ollamaDefaultHost = "http://localhost:11434"
)

// OpenAIClient speaks the chat completions API shared by OpenAI, Ollama and
// other compatible servers.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// NewOpenAIClient targets api.openai.com.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	return NewOpenAICompatibleClient(openAIBaseURL, apiKey, opts...)
}

// NewOllamaClient targets an Ollama server's OpenAI-compatible endpoint. An
// empty host means the local default.
func NewOllamaClient(host string, opts ...OpenAIOption) *OpenAIClient {
	if host == "" {
		host = ollamaDefaultHost
	}
	return NewOpenAICompatibleClient(strings.TrimRight(host, "/")+"/v1", "", opts...)
}

// NewOpenAICompatibleClient targets baseURL, which should include the /v1
// path segment. apiKey may be empty for servers without auth.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from a chat completions server.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: HTTP %d", e.Status)
	}
	return fmt.Sprintf("openai: HTTP %d: %s: %s", e.Status, e.Type, e.Message)
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []wireCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type wireCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function wireInvocation `json:"function"`
}

type wireInvocation struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type completionResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat sends one completion request. Server errors come back as *APIError.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(encodeCompletion(req))
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	var out completionResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && out.Error != nil {
			apiErr.Type, apiErr.Message = out.Error.Type, out.Error.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("openai: decode response: %w", decodeErr)
	}
	if out.Error != nil {
		return nil, &APIError{Status: resp.StatusCode, Type: out.Error.Type, Message: out.Error.Message}
	}
	return decodeCompletion(&out), nil
}

func encodeCompletion(req ChatRequest) completionRequest {
	out := completionRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)+1),
		MaxTokens:   max(req.MaxTokens, 0),
		Temperature: req.Temperature,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, wireMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		if wm, ok := encodeMessage(m); ok {
			out.Messages = append(out.Messages, wm)
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	return out
}

// encodeMessage maps one log entry; tool messages without a result are
// dropped.
func encodeMessage(m Message) (wireMessage, bool) {
	wm := wireMessage{Role: string(m.Role), Content: m.Content}
	switch m.Role {
	case RoleTool:
		if m.ToolResult == nil {
			return wireMessage{}, false
		}
		wm.Content = m.ToolResult.Content
		wm.ToolCallID = m.ToolResult.ToolCallID
	case RoleAssistant:
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Input)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireInvocation{Name: tc.Name, Arguments: string(args)},
			})
		}
	}
	return wm, true
}

func decodeCompletion(resp *completionResponse) *ChatResponse {
	out := &ChatResponse{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = mapOAIStopReason(choice.FinishReason)

	for _, wc := range choice.Message.ToolCalls {
		// Malformed arguments still reach the dispatcher, where schema
		// validation reports them back to the planner.
		input := map[string]any{}
		if err := json.Unmarshal([]byte(wc.Function.Arguments), &input); err != nil {
			input = map[string]any{"_error": fmt.Sprintf("failed to parse tool input: %v", err)}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: wc.ID, Name: wc.Function.Name, Input: input})
	}
	return out
}

func mapOAIStopReason(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopEndTurn
	}
}

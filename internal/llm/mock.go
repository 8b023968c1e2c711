package llm

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// MockResponse is one scripted reply. A non-nil Error is returned instead of
// a response. An empty StopReason is derived from ToolCalls.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error
}

func (r MockResponse) reply() (*ChatResponse, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	stop := r.StopReason
	switch {
	case stop != "":
	case len(r.ToolCalls) > 0:
		stop = StopToolUse
	default:
		stop = StopEndTurn
	}
	return &ChatResponse{Content: r.Content, ToolCalls: r.ToolCalls, StopReason: stop, Usage: r.Usage}, nil
}

// MockClient replays a script of responses and records every request.
// After the script runs out the final response repeats.
type MockClient struct {
	mu     sync.Mutex
	script []MockResponse
	next   int
	calls  []ChatRequest
}

// NewMockClient returns a client that answers with script in order.
func NewMockClient(script ...MockResponse) *MockClient {
	return &MockClient{script: script}
}

// Chat implements Client.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = slices.Clone(req.Messages)
	m.calls = append(m.calls, req)

	if len(m.script) == 0 {
		return nil, errors.New("mock: empty script")
	}
	r := m.script[min(m.next, len(m.script)-1)]
	if m.next < len(m.script) {
		m.next++
	}
	return r.reply()
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Reset forgets recorded requests and restarts the script.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next, m.calls = 0, nil
}

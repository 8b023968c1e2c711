package loop

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/tripagent/internal/llm"
)

// CallIDPrefix starts every tool call ID generated for a provider reply that
// left IDs empty or repeated them.
const CallIDPrefix = "call_"

// NewCallID returns a unique tool call ID.
func NewCallID() string {
	return CallIDPrefix + strings.ToLower(ulid.Make().String())
}

// withCallIDs returns a copy of calls in which every ID is non-empty and
// unique within the message.
func withCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return calls
	}
	out := slices.Clone(calls)
	seen := make(map[string]bool, len(out))
	for i := range out {
		if out[i].ID == "" || seen[out[i].ID] {
			out[i].ID = NewCallID()
		}
		seen[out[i].ID] = true
	}
	return out
}

const plannerInstruction = `You are a smart travel agency. Use the tools to look up information.
You may make several tool calls, together or in sequence.
Only look up information when you are sure of what you want.
The current year is %d.
If you need to look something up before asking a follow-up question, do so.
Include links to the hotel and flight websites when available.
Include the hotel image and the airline logo when available.
Always include the flight price and the hotel price together with the currency when available.`

// PlannerPrompt returns the planner system instruction for the given year.
func PlannerPrompt(year int) string {
	return fmt.Sprintf(plannerInstruction, year)
}

// Planner asks the planning model for the next assistant message.
type Planner struct {
	client      llm.Client
	model       string
	tools       []llm.ToolDefinition
	maxTokens   int
	temperature *float64
	now         func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerMaxTokens caps the planner response size.
func WithPlannerMaxTokens(n int) PlannerOption {
	return func(p *Planner) { p.maxTokens = n }
}

// WithPlannerTemperature sets the sampling temperature.
func WithPlannerTemperature(t float64) PlannerOption {
	return func(p *Planner) { p.temperature = llm.Float(t) }
}

// WithPlannerClock overrides the clock used for the current year.
func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// NewPlanner creates a planner offering defs to the model.
func NewPlanner(client llm.Client, model string, defs []llm.ToolDefinition, opts ...PlannerOption) *Planner {
	p := &Planner{
		client:    client,
		model:     model,
		tools:     defs,
		maxTokens: 4096,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan calls the model once over the conversation and returns the assistant
// message it produced, with a generated ID on every tool call whose ID is
// empty or already used in the message. The conversation is not modified.
func (p *Planner) Plan(ctx context.Context, conversation []llm.Message) (llm.Message, llm.TokenUsage, error) {
	hasUser := slices.ContainsFunc(conversation, func(m llm.Message) bool {
		return m.Role == llm.RoleUser
	})
	if !hasUser {
		return llm.Message{}, llm.TokenUsage{}, ErrEmptyConversation
	}

	resp, err := p.client.Chat(ctx, llm.ChatRequest{
		Model:       p.model,
		System:      PlannerPrompt(p.now().Year()),
		Messages:    conversation,
		Tools:       p.tools,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return llm.Message{}, llm.TokenUsage{}, &ModelError{Step: "planner", Err: err}
	}
	msg := resp.Message()
	msg.ToolCalls = withCallIDs(msg.ToolCalls)
	return msg, resp.Usage, nil
}

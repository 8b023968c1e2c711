package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/mail"
	"github.com/szaher/tripagent/internal/session"
)

// FormatterPrompt instructs the formatter model.
const FormatterPrompt = `Convert the structured, markdown-like travel plan below into a valid HTML email body.
Do not add facts that are not in the plan.
Do not wrap the response in a ` + "```html" + ` code block.
Return only HTML that is ready to be used as the body of an email.`

// Default display names used when a Delivery leaves them empty.
const (
	DefaultSenderName    = "AI Travel Assistant"
	DefaultRecipientName = "Traveler"
)

// Delivery carries the caller-supplied addressing for one Resume.
type Delivery struct {
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject"`
}

func (d Delivery) envelope(body string) mail.Envelope {
	env := mail.Envelope{
		From:     strings.TrimSpace(d.From),
		FromName: d.FromName,
		To:       strings.TrimSpace(d.To),
		ToName:   d.ToName,
		Subject:  strings.TrimSpace(d.Subject),
		HTML:     body,
	}
	if env.FromName == "" {
		env.FromName = DefaultSenderName
	}
	if env.ToName == "" {
		env.ToName = DefaultRecipientName
	}
	return env
}

// Formatter turns a final answer into an HTML email body.
type Formatter struct {
	client      llm.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewFormatter creates a formatter using model at a low temperature.
func NewFormatter(client llm.Client, model string) *Formatter {
	return &Formatter{client: client, model: model, temperature: 0.1, maxTokens: 4096}
}

// Format makes one model call and returns the HTML body.
func (f *Formatter) Format(ctx context.Context, answer string) (string, llm.TokenUsage, error) {
	resp, err := f.client.Chat(ctx, llm.ChatRequest{
		Model:       f.model,
		System:      FormatterPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: answer}},
		MaxTokens:   f.maxTokens,
		Temperature: llm.Float(f.temperature),
	})
	if err != nil {
		return "", llm.TokenUsage{}, &ModelError{Step: "formatter", Err: err}
	}
	body := StripCodeFence(resp.Content)
	if body == "" {
		return "", resp.Usage, &ModelError{Step: "formatter", Err: fmt.Errorf("empty email body")}
	}
	return body, resp.Usage, nil
}

// StripCodeFence removes a surrounding markdown code fence such as ```html.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "html")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Gate formats a final answer and hands it to the mail transport.
type Gate struct {
	formatter *Formatter
	transport mail.Transport
}

// NewGate creates a gate.
func NewGate(formatter *Formatter, transport mail.Transport) *Gate {
	return &Gate{formatter: formatter, transport: transport}
}

// Validate checks d without sending anything.
func (g *Gate) Validate(d Delivery) error {
	return d.envelope("").Validate()
}

// Execute formats answer and sends it. Model failures are *ModelError and
// transport failures are *TransportError.
func (g *Gate) Execute(ctx context.Context, answer string, d Delivery) (*session.Delivery, llm.TokenUsage, error) {
	body, usage, err := g.formatter.Format(ctx, answer)
	if err != nil {
		return nil, usage, err
	}

	env := d.envelope(body)
	receipt, err := g.transport.Send(ctx, env)
	if err != nil {
		return nil, usage, &TransportError{Err: err}
	}
	return &session.Delivery{
		From:      env.From,
		FromName:  env.FromName,
		To:        env.To,
		ToName:    env.ToName,
		Subject:   env.Subject,
		Body:      body,
		MessageID: receipt.MessageID,
		SentAt:    receipt.SentAt,
	}, usage, nil
}

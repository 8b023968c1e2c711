package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultMailerSendURL = "https://api.mailersend.com/v1/email"

// MailerSend sends email through the MailerSend HTTP API.
type MailerSend struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// MailerSendOption configures the MailerSend transport.
type MailerSendOption func(*MailerSend)

// WithMailerSendURL overrides the API endpoint.
func WithMailerSendURL(u string) MailerSendOption {
	return func(m *MailerSend) { m.endpoint = u }
}

// WithMailHTTPClient sets the HTTP client.
func WithMailHTTPClient(c *http.Client) MailerSendOption {
	return func(m *MailerSend) { m.client = c }
}

// NewMailerSend creates a transport authenticating with apiKey.
func NewMailerSend(apiKey string, opts ...MailerSendOption) *MailerSend {
	m := &MailerSend{
		apiKey:   apiKey,
		endpoint: defaultMailerSendURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type msAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type msRequest struct {
	From    msAddress   `json:"from"`
	To      []msAddress `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html"`
}

type msError struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// Send posts env to MailerSend. Any non-2xx response is an error.
func (m *MailerSend) Send(ctx context.Context, env Envelope) (Receipt, error) {
	if err := env.Validate(); err != nil {
		return Receipt{}, err
	}

	body, err := json.Marshal(msRequest{
		From:    msAddress{Email: env.From, Name: env.FromName},
		To:      []msAddress{{Email: env.To, Name: env.ToName}},
		Subject: env.Subject,
		HTML:    env.HTML,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("mailersend: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("mailersend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("mailersend: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var me msError
		if json.Unmarshal(data, &me) == nil && me.Message != "" {
			return Receipt{}, fmt.Errorf("mailersend: HTTP %d: %s%s", resp.StatusCode, me.Message, fieldErrors(me.Errors))
		}
		return Receipt{}, fmt.Errorf("mailersend: HTTP %d", resp.StatusCode)
	}

	return Receipt{
		MessageID: resp.Header.Get("X-Message-Id"),
		SentAt:    time.Now().UTC(),
	}, nil
}

func fieldErrors(errs map[string][]string) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for field, msgs := range errs {
		parts = append(parts, field+": "+strings.Join(msgs, ", "))
	}
	return " (" + strings.Join(parts, "; ") + ")"
}

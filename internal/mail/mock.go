package mail

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTransport records envelopes for tests. When Err is set, Send fails.
type MockTransport struct {
	mu   sync.Mutex
	Err  error
	sent []Envelope
}

// Send records env or returns the configured error.
func (m *MockTransport) Send(_ context.Context, env Envelope) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Receipt{}, m.Err
	}
	m.sent = append(m.sent, env)
	return Receipt{MessageID: fmt.Sprintf("mock-%d", len(m.sent)), SentAt: time.Now().UTC()}, nil
}

// Sent returns the recorded envelopes.
func (m *MockTransport) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.sent...)
}

// SetErr changes the failure mode.
func (m *MockTransport) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

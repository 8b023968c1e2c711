// Package mail delivers the formatted trip summary.
package mail

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"
)

// ErrInvalidEnvelope is returned when sender, recipient or subject are unusable.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one outgoing HTML email.
type Envelope struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	HTML     string
}

// Validate checks the addresses and subject.
func (e Envelope) Validate() error {
	if _, err := netmail.ParseAddress(e.From); err != nil {
		return fmt.Errorf("%w: sender %q: %v", ErrInvalidEnvelope, e.From, err)
	}
	if _, err := netmail.ParseAddress(e.To); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", ErrInvalidEnvelope, e.To, err)
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidEnvelope)
	}
	return nil
}

// Receipt records an accepted message.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Transport hands an envelope to a delivery provider.
type Transport interface {
	Send(ctx context.Context, env Envelope) (Receipt, error)
}

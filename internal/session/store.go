// Package session persists trip-planning conversations and their progress
// through the planning loop.
package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/szaher/tripagent/internal/llm"
)

var (
	// ErrNotFound is returned when no session has the requested ID.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a save is based on a stale version.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrHistoryRewrite is returned when a save would drop or edit committed
	// messages.
	ErrHistoryRewrite = errors.New("session history is append-only")
)

// State marks where a session is in the planning loop.
type State string

const (
	StatePlanning      State = "planning"
	StateDispatching   State = "dispatching"
	StateAwaitingGate  State = "awaiting_gate"
	StateGateExecuting State = "gate_executing"
	StateDone          State = "done"
	StateAbandoned     State = "abandoned"
)

// States lists every state in loop order.
var States = []State{StatePlanning, StateDispatching, StateAwaitingGate, StateGateExecuting, StateDone, StateAbandoned}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// Delivery is the receipt of a sent trip summary.
type Delivery struct {
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	To        string    `json:"to"`
	ToName    string    `json:"to_name,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Session is one conversation and its loop state.
type Session struct {
	ID       string        `json:"id"`
	State    State         `json:"state"`
	Messages []llm.Message `json:"messages"`
	// FinalAnswer caches the last assistant answer while awaiting the gate.
	FinalAnswer string            `json:"final_answer,omitempty"`
	Delivery    *Delivery         `json:"delivery,omitempty"`
	Usage       llm.TokenUsage    `json:"usage"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Version is the optimistic concurrency counter. Zero means not yet stored.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an unsaved session in the planning state.
func New(id string) *Session {
	if id == "" {
		id = NewID()
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		State:     StatePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]llm.Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = cloneMessage(m)
	}
	c.Metadata = maps.Clone(s.Metadata)
	if s.Delivery != nil {
		d := *s.Delivery
		c.Delivery = &d
	}
	return &c
}

// Last returns the most recent message.
func (s *Session) Last() (llm.Message, bool) {
	if len(s.Messages) == 0 {
		return llm.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

func cloneMessage(m llm.Message) llm.Message {
	if m.ToolCalls != nil {
		calls := make([]llm.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Input = maps.Clone(tc.Input)
			calls[i] = tc
		}
		m.ToolCalls = calls
	}
	if m.ToolResult != nil {
		r := *m.ToolResult
		m.ToolResult = &r
	}
	return m
}

// ListOptions filters List results.
type ListOptions struct {
	// State restricts results to one state when set.
	State State
	// UpdatedBefore restricts results to sessions idle since this instant.
	UpdatedBefore time.Time
	// Limit caps the number of results; zero means no cap.
	Limit int
}

func (o ListOptions) match(s *Session) bool {
	if o.State != "" && s.State != o.State {
		return false
	}
	if !o.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(o.UpdatedBefore) {
		return false
	}
	return true
}

// Store persists sessions.
type Store interface {
	// Get loads a session by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Session, error)

	// Save writes sess if its Version matches the stored version (zero to
	// create) and bumps sess.Version on success. Stale writes fail with
	// ErrVersionConflict; writes that drop or edit committed messages fail
	// with ErrHistoryRewrite.
	Save(ctx context.Context, sess *Session) error

	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, id string) error

	// List returns sessions matching opts, most recently updated first.
	// Message history is not loaded; use Get for the full session.
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
}

func conflict(id string, want, got int64) error {
	return fmt.Errorf("%w: session %q at version %d, save based on %d", ErrVersionConflict, id, want, got)
}

func rewrite(id string, stored, next int) error {
	return fmt.Errorf("%w: session %q has %d messages, save has %d", ErrHistoryRewrite, id, stored, next)
}

func edited(id string, seq int) error {
	return fmt.Errorf("%w: session %q message %d was modified", ErrHistoryRewrite, id, seq)
}

// checkHistory rejects next unless it starts with every stored message
// unchanged. Messages compare by their JSON encoding, which is what every
// store persists.
func checkHistory(id string, stored, next []llm.Message) error {
	if len(next) < len(stored) {
		return rewrite(id, len(stored), len(next))
	}
	for i := range stored {
		a, err := json.Marshal(stored[i])
		if err != nil {
			return fmt.Errorf("session: encode message %d of %q: %w", i, id, err)
		}
		b, err := json.Marshal(next[i])
		if err != nil {
			return fmt.Errorf("session: encode message %d of %q: %w", i, id, err)
		}
		if !bytes.Equal(a, b) {
			return edited(id, i)
		}
	}
	return nil
}

// messageDigest returns the hex SHA-256 of m's JSON encoding.
func messageDigest(m llm.Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

func sortByUpdated(list []*Session) {
	slices.SortFunc(list, func(a, b *Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Get returns a copy of the stored session.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return sess.Clone(), nil
}

// Save stores a copy of sess after the version and history checks.
func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sessions[sess.ID]
	switch {
	case !exists && sess.Version != 0:
		return conflict(sess.ID, 0, sess.Version)
	case exists && current.Version != sess.Version:
		return conflict(sess.ID, current.Version, sess.Version)
	}
	if exists {
		if err := checkHistory(sess.ID, current.Messages, sess.Messages); err != nil {
			return err
		}
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List returns copies of matching sessions without their message history.
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	s.mu.RLock()
	var result []*Session
	for _, sess := range s.sessions {
		if opts.match(sess) {
			c := sess.Clone()
			c.Messages = nil
			result = append(result, c)
		}
	}
	s.mu.RUnlock()

	sortByUpdated(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

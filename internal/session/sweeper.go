package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper abandons sessions that have waited at the gate, or were left
// mid-send, for longer than the idle timeout.
type Sweeper struct {
	store   Store
	idle    time.Duration
	logger  *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
	onSweep func(abandoned int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepHook registers a callback run after each sweep.
func WithSweepHook(fn func(abandoned int)) SweeperOption {
	return func(s *Sweeper) { s.onSweep = fn }
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store Store, idle time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:  store,
		idle:   idle,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sweptStates are the states a session can idle in without a caller. A
// session left in gate_executing lost its sender mid-send.
var sweptStates = []State{StateAwaitingGate, StateGateExecuting}

// Sweep abandons every session idle in awaiting_gate or gate_executing
// for longer than the idle timeout and returns how many were abandoned.
// Sessions modified concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.idle)
	abandoned := 0
	for _, state := range sweptStates {
		idle, err := s.store.List(ctx, ListOptions{State: state, UpdatedBefore: cutoff})
		if err != nil {
			return abandoned, fmt.Errorf("sweep %s: %w", state, err)
		}
		for _, summary := range idle {
			if s.abandon(ctx, summary, state) {
				abandoned++
			}
		}
	}

	if s.onSweep != nil {
		s.onSweep(abandoned)
	}
	return abandoned, nil
}

func (s *Sweeper) abandon(ctx context.Context, summary *Session, state State) bool {
	sess, err := s.store.Get(ctx, summary.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "sweep: load failed", "session_id", summary.ID, "error", err)
		}
		return false
	}
	if sess.State != state {
		return false
	}
	sess.State = StateAbandoned
	sess.FinalAnswer = ""
	if err := s.store.Save(ctx, sess); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			s.logger.WarnContext(ctx, "sweep: save failed", "session_id", sess.ID, "error", err)
		}
		return false
	}
	if state == StateGateExecuting {
		s.logger.WarnContext(ctx, "abandoned session interrupted mid-send; delivery unknown",
			"session_id", sess.ID, "idle_since", summary.UpdatedAt)
		return true
	}
	s.logger.InfoContext(ctx, "abandoned idle session", "session_id", sess.ID, "idle_since", summary.UpdatedAt)
	return true
}

// Start runs Sweep on the cron schedule spec (e.g. "@every 5m") until Stop.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep: schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

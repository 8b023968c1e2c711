package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/szaher/tripagent/internal/archive"
	"github.com/szaher/tripagent/internal/events"
	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/session"
	"github.com/szaher/tripagent/internal/telemetry"
)

// DefaultMaxTurns caps planner calls per Run.
const DefaultMaxTurns = 10

// Result is the outcome of a Run or Resume.
type Result struct {
	Session *session.Session `json:"session"`
	State   State            `json:"state"`
	// Turns is the number of planner calls made by this operation.
	Turns int `json:"turns"`
	// Usage is the token usage of this operation only.
	Usage llm.TokenUsage `json:"usage"`
}

// Answer returns the final answer awaiting the gate, if any.
func (r *Result) Answer() string {
	if r == nil || r.Session == nil {
		return ""
	}
	return r.Session.FinalAnswer
}

// Runner executes sessions against a store. It holds no session state
// between calls.
type Runner struct {
	store      session.Store
	planner    *Planner
	dispatcher *Dispatcher
	gate       *Gate
	archiver   archive.Archiver
	emitter    events.Emitter
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	maxTurns    int
	tokenBudget int

	locks keyedMutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxTurns caps planner calls per Run.
func WithMaxTurns(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithTokenBudget caps the tokens one Run may spend. Zero means unlimited.
func WithTokenBudget(n int) Option {
	return func(r *Runner) { r.tokenBudget = n }
}

// WithArchiver sets where completed sessions are archived.
func WithArchiver(a archive.Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithEmitter sets the lifecycle event consumer.
func WithEmitter(e events.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner.
func NewRunner(store session.Store, planner *Planner, dispatcher *Dispatcher, gate *Gate, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		gate:       gate,
		archiver:   archive.Nop{},
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		maxTurns:   DefaultMaxTurns,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run appends message to the session and drives the loop until the planner
// produces a final answer, which leaves the session awaiting the gate.
//
// An unknown id with a message creates the session; an empty id gets a
// generated one. An empty message re-drives a session interrupted in
// planning or dispatching. A message sent to a session awaiting the gate
// continues the conversation. Run never sends email.
func (r *Runner) Run(ctx context.Context, id, message string) (*Result, error) {
	if id == "" {
		id = session.NewID()
	}
	ctx = ensureCorrelation(ctx)
	unlock := r.locks.lock(id)
	defer unlock()

	logger := telemetry.RequestLogger(ctx, r.logger, id)
	message = strings.TrimSpace(message)

	sess, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		if message == "" {
			return nil, fmt.Errorf("loop: new session %q: %w", id, ErrEmptyConversation)
		}
		sess = session.New(id)
	case err != nil:
		return nil, err
	}

	switch sess.State {
	case StatePlanning:
		if message == "" && len(sess.Messages) == 0 {
			return nil, fmt.Errorf("loop: session %q: %w", id, ErrEmptyConversation)
		}
	case StateDispatching:
		if message != "" {
			return nil, fmt.Errorf("%w: session %q has unanswered tool calls; retry without a message", ErrInvalidState, id)
		}
	case StateAwaitingGate:
		if message == "" {
			return nil, fmt.Errorf("%w: session %q is awaiting the gate; resume it or send a message", ErrInvalidState, id)
		}
		sess.State = StatePlanning
		sess.FinalAnswer = ""
	default:
		return nil, invalidState("run", sess.State)
	}
	if message != "" {
		sess.Messages = append(sess.Messages, llm.UserMessage(message))
	}

	r.emit(ctx, events.RunStarted, id, "messages", len(sess.Messages))
	logger.Info("run started", "state", sess.State, "messages", len(sess.Messages))

	res, err := r.drive(ctx, logger, sess)
	if err != nil {
		r.metrics.RecordRun("error")
		r.emit(ctx, events.RunFailed, id, "error", err.Error())
		logger.Warn("run stopped", "error", err)
		return res, err
	}
	r.metrics.RecordRun(string(res.State))
	return res, nil
}

func (r *Runner) drive(ctx context.Context, logger *slog.Logger, sess *session.Session) (*Result, error) {
	budget := llm.NewBudget(r.tokenBudget)
	res := &Result{Session: sess}

	for {
		res.State = sess.State
		res.Usage = budget.Spent()

		switch sess.State {
		case StatePlanning:
			if res.Turns >= r.maxTurns {
				return res, fmt.Errorf("loop: session %q after %d planner calls: %w", sess.ID, res.Turns, ErrTurnLimit)
			}
			if err := budget.Check(); err != nil {
				return res, fmt.Errorf("loop: session %q: %w", sess.ID, err)
			}
			if err := r.plan(ctx, sess, budget); err != nil {
				if res.Turns == 0 {
					return nil, err
				}
				return res, err
			}
			res.Turns++

		case StateDispatching:
			if err := r.dispatch(ctx, sess); err != nil {
				return res, err
			}

		case StateAwaitingGate:
			r.emit(ctx, events.GateAwaiting, sess.ID, "turns", res.Turns)
			logger.Info("awaiting gate", "turns", res.Turns, "tokens", res.Usage.Total())
			return res, nil

		default:
			return res, invalidState("drive", sess.State)
		}
	}
}

// plan runs one planner step and commits the assistant message. On failure
// the session is left as last committed.
func (r *Runner) plan(ctx context.Context, sess *session.Session, budget *llm.Budget) error {
	start := time.Now()
	msg, usage, err := r.planner.Plan(ctx, sess.Messages)
	if err != nil {
		r.metrics.RecordPlannerCall("error", 0, 0, time.Since(start))
		return err
	}
	r.metrics.RecordPlannerCall("ok", usage.InputTokens, usage.OutputTokens, time.Since(start))
	budget.Spend(usage)

	next, err := Advance(StatePlanning, msg)
	if err != nil {
		return err
	}

	updated := sess.Clone()
	updated.Messages = append(updated.Messages, msg)
	updated.Usage = updated.Usage.Add(usage)
	updated.State = next
	if next == StateAwaitingGate {
		updated.FinalAnswer = msg.Content
	}
	if err := r.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("loop: commit planner step: %w", err)
	}
	*sess = *updated

	r.emit(ctx, events.PlannerCompleted, sess.ID,
		"tool_calls", len(msg.ToolCalls), "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	return nil
}

// dispatch answers every tool call of the last assistant message and commits
// the results together.
func (r *Runner) dispatch(ctx context.Context, sess *session.Session) error {
	last, ok := sess.Last()
	if !ok || last.Role != llm.RoleAssistant || len(last.ToolCalls) == 0 {
		return fmt.Errorf("%w: session %q is dispatching without pending tool calls", ErrInvalidState, sess.ID)
	}

	results := r.dispatcher.Dispatch(ctx, last.ToolCalls)

	updated := sess.Clone()
	for _, res := range results {
		updated.Messages = append(updated.Messages, llm.ToolMessage(res))
	}
	next, err := Advance(StateDispatching, updated.Messages[len(updated.Messages)-1])
	if err != nil {
		return err
	}
	updated.State = next
	if err := r.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("loop: commit tool results: %w", err)
	}
	*sess = *updated

	for _, res := range results {
		r.emit(ctx, events.ToolCompleted, sess.ID,
			"tool", res.ToolName, "tool_call_id", res.ToolCallID, "is_error", res.IsError)
	}
	return nil
}

// Resume runs the gate on a session awaiting it: the final answer is
// formatted, mailed to d.To and the session completes. Any other state is
// rejected without changes. A transport failure returns the session to
// awaiting_gate so it can be resumed again.
func (r *Runner) Resume(ctx context.Context, id string, d Delivery) (*Result, error) {
	ctx = ensureCorrelation(ctx)
	unlock := r.locks.lock(id)
	defer unlock()
	logger := telemetry.RequestLogger(ctx, r.logger, id)

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != StateAwaitingGate {
		return nil, invalidState("resume", sess.State)
	}
	if err := r.gate.Validate(d); err != nil {
		return nil, fmt.Errorf("loop: resume %q: %w", id, err)
	}
	answer := sess.FinalAnswer
	if answer == "" {
		if last, ok := sess.Last(); ok && last.IsFinal() {
			answer = last.Content
		}
	}
	if strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("loop: resume %q: %w", id, ErrNoFinalAnswer)
	}

	// Claim the session; a concurrent Resume fails the version check here.
	sess.State = StateGateExecuting
	if err := r.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("loop: claim gate: %w", err)
	}

	start := time.Now()
	delivery, usage, err := r.gate.Execute(ctx, answer, d)
	if err != nil {
		r.metrics.RecordGateSend("error", time.Since(start))
		r.emit(ctx, events.GateFailed, id, "error", err.Error())
		logger.Warn("gate failed", "error", err)

		sess.State = StateAwaitingGate
		if rerr := r.store.Save(context.WithoutCancel(ctx), sess); rerr != nil {
			return nil, errors.Join(err, fmt.Errorf("loop: release gate: %w", rerr))
		}
		return nil, err
	}
	r.metrics.RecordGateSend("sent", time.Since(start))

	sess.State = StateDone
	sess.FinalAnswer = ""
	sess.Delivery = delivery
	sess.Usage = sess.Usage.Add(usage)
	if err := r.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		return nil, fmt.Errorf("loop: commit delivery: %w", err)
	}
	r.emit(ctx, events.GateSent, id, "to", delivery.To, "message_id", delivery.MessageID)
	logger.Info("trip summary sent", "to", delivery.To, "message_id", delivery.MessageID)

	if err := r.archiver.Archive(ctx, sess); err != nil {
		logger.Warn("archive failed", "error", err)
	}
	return &Result{Session: sess, State: sess.State, Usage: usage}, nil
}

// Abandon moves a session that is not terminal or mid-send to abandoned.
func (r *Runner) Abandon(ctx context.Context, id string) (*session.Session, error) {
	ctx = ensureCorrelation(ctx)
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() || sess.State == StateGateExecuting {
		return nil, invalidState("abandon", sess.State)
	}
	prev := sess.State
	sess.State = StateAbandoned
	sess.FinalAnswer = ""
	if err := r.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("loop: abandon: %w", err)
	}
	r.emit(ctx, events.SessionAbandoned, id, "from", string(prev))
	return sess, nil
}

func (r *Runner) emit(ctx context.Context, t events.Type, id string, kv ...any) {
	e := events.New(t, id, telemetry.CorrelationID(ctx))
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e.WithData(k, kv[i+1])
		}
	}
	r.emitter.Emit(e)
}

func ensureCorrelation(ctx context.Context) context.Context {
	if telemetry.CorrelationID(ctx) != "" {
		return ctx
	}
	return telemetry.WithCorrelationID(ctx, "")
}

// keyedMutex serializes operations per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

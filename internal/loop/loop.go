// Package loop drives a trip-planning session through the planner, the tool
// dispatcher and the human gate.
//
// The graph is fixed: plan, dispatch tool calls, plan again, until the
// planner answers without tool calls. The session then waits at the gate
// until an explicit Resume formats the answer and emails it.
package loop

import (
	"errors"
	"fmt"

	"github.com/szaher/tripagent/internal/llm"
	"github.com/szaher/tripagent/internal/session"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrEmptyConversation is returned when there is no user message to plan from.
	ErrEmptyConversation = errors.New("conversation has no user message")
	// ErrTurnLimit is returned when a Run reaches its planner call limit.
	ErrTurnLimit = errors.New("planner turn limit reached")
	// ErrNoFinalAnswer is returned when a gated session has no answer to send.
	ErrNoFinalAnswer = errors.New("session has no final answer")
)

// ModelError wraps a failed planner or formatter call.
type ModelError struct {
	Step string
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("loop: %s model call: %v", e.Step, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// TransportError wraps a failed email hand-off. The session stays resumable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "loop: email transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// State is the loop position persisted with each session.
type State = session.State

const (
	StatePlanning      = session.StatePlanning
	StateDispatching   = session.StateDispatching
	StateAwaitingGate  = session.StateAwaitingGate
	StateGateExecuting = session.StateGateExecuting
	StateDone          = session.StateDone
	StateAbandoned     = session.StateAbandoned
)

// Advance returns the state that follows state once last has been committed.
// It covers the automatic part of the graph; the gate, abandonment and new
// user turns are driven by Runner operations.
//
//	planning     + assistant with tool calls -> dispatching
//	planning     + assistant final answer    -> awaiting_gate
//	planning     + user or tool message      -> planning
//	dispatching  + tool message              -> planning
//	dispatching  + assistant with tool calls -> dispatching
//
// Every other state is returned unchanged.
func Advance(state State, last llm.Message) (State, error) {
	switch state {
	case StatePlanning:
		if last.Role != llm.RoleAssistant {
			return StatePlanning, nil
		}
		if last.IsFinal() {
			return StateAwaitingGate, nil
		}
		return StateDispatching, nil
	case StateDispatching:
		switch last.Role {
		case llm.RoleTool:
			return StatePlanning, nil
		case llm.RoleAssistant:
			if last.IsFinal() {
				return "", fmt.Errorf("%w: dispatching without tool calls", ErrInvalidState)
			}
			return StateDispatching, nil
		}
		return "", fmt.Errorf("%w: dispatching after %s message", ErrInvalidState, last.Role)
	case StateAwaitingGate, StateGateExecuting, StateDone, StateAbandoned:
		return state, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidState, state)
}

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: cannot %s a session in state %s", ErrInvalidState, op, s)
}

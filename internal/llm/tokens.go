package llm

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned once a run has spent more tokens than its
// budget allows.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Budget accumulates the tokens spent by one run. A zero limit never trips.
// It is not safe for concurrent use; a run drives its model calls serially.
type Budget struct {
	limit int
	spent TokenUsage
}

// NewBudget returns a budget capped at limit total tokens.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Spend records the usage of one model call.
func (b *Budget) Spend(u TokenUsage) {
	b.spent = b.spent.Add(u)
}

// Spent returns everything recorded so far.
func (b *Budget) Spent() TokenUsage {
	return b.spent
}

// Check fails with ErrBudgetExceeded when the spent total is over the limit.
func (b *Budget) Check() error {
	if b.limit <= 0 || b.spent.Total() <= b.limit {
		return nil
	}
	return fmt.Errorf("%w: spent %d of %d", ErrBudgetExceeded, b.spent.Total(), b.limit)
}

// Left returns the tokens still available, zero when overspent, or -1 when
// unlimited.
func (b *Budget) Left() int {
	if b.limit <= 0 {
		return -1
	}
	return max(b.limit-b.spent.Total(), 0)
}

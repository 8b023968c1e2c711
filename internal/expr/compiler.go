// Package expr compiles and evaluates boolean filter expressions over
// search result records.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompiledExpr is a compiled filter ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against env and requires a boolean result.
// env is a zero value of the record type the filter will run against.
func Compile(source string, env any) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := expr.Compile(source, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &CompiledExpr{Source: source, program: program}, nil
}

// ValidateSyntax checks that source parses, without an environment.
func ValidateSyntax(source string) error {
	if source == "" {
		return fmt.Errorf("empty expression")
	}
	if _, err := expr.Compile(source); err != nil {
		return fmt.Errorf("invalid expression syntax: %w", err)
	}
	return nil
}

// Match evaluates the filter against record.
func (c *CompiledExpr) Match(record any) (bool, error) {
	if c == nil || c.program == nil {
		return false, fmt.Errorf("nil compiled expression")
	}

	out, err := expr.Run(c.program, record)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", c.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", c.Source, out)
	}
	return b, nil
}

// Filter keeps the records for which c matches. A nil filter keeps everything.
func Filter[T any](c *CompiledExpr, records []T) ([]T, error) {
	if c == nil {
		return records, nil
	}
	kept := make([]T, 0, len(records))
	for _, r := range records {
		ok, err := c.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

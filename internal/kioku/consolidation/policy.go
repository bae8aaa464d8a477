// Package consolidation decides when a conversation instance's short-term
// buffer is flushed to long-term storage, and performs the flush.
package consolidation

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Default thresholds.
const (
	DefaultMaxEntries = 5
	DefaultMaxAge     = 10 * time.Minute
)

// Policy decides whether to consolidate. Implementations must be pure: no
// side effects, the same inputs always yield the same answer.
type Policy interface {
	ShouldConsolidate(bufferLen int, elapsed time.Duration) bool
	// String describes the rule for logs.
	String() string
}

// Threshold consolidates when the buffer holds at least MaxEntries items or
// the current generation is at least MaxAge old. A non-positive field
// disables that arm.
type Threshold struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultThreshold returns the documented defaults (5 entries, 10 minutes).
func DefaultThreshold() Threshold {
	return Threshold{MaxEntries: DefaultMaxEntries, MaxAge: DefaultMaxAge}
}

func (t Threshold) ShouldConsolidate(bufferLen int, elapsed time.Duration) bool {
	if t.MaxEntries > 0 && bufferLen >= t.MaxEntries {
		return true
	}
	return t.MaxAge > 0 && elapsed >= t.MaxAge
}

func (t Threshold) String() string {
	return fmt.Sprintf("threshold(max_entries=%d, max_age=%s)", t.MaxEntries, t.MaxAge)
}

// DefaultExpression is the Threshold rule written as an expression.
const DefaultExpression = "(max_entries > 0 && buffer_len >= max_entries) || (max_age_seconds > 0 && elapsed_seconds >= max_age_seconds)"

// Expr evaluates a boolean expr-lang expression over buffer_len,
// elapsed_seconds, max_entries and max_age_seconds. It lets operators
// express rules such as "buffer_len >= 3 && elapsed_seconds > 60" without a
// rebuild.
type Expr struct {
	source  string
	limits  Threshold
	program *vm.Program
}

func exprEnv(bufferLen int, elapsed time.Duration, limits Threshold) map[string]any {
	return map[string]any{
		"buffer_len":      bufferLen,
		"elapsed_seconds": elapsed.Seconds(),
		"max_entries":     limits.MaxEntries,
		"max_age_seconds": limits.MaxAge.Seconds(),
	}
}

// NewExpr compiles source. limits supply the max_entries and
// max_age_seconds variables.
func NewExpr(source string, limits Threshold) (*Expr, error) {
	if source == "" {
		source = DefaultExpression
	}
	program, err := expr.Compile(source, expr.Env(exprEnv(0, 0, limits)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("consolidation: compile expression %q: %w", source, err)
	}
	return &Expr{source: source, limits: limits, program: program}, nil
}

// Evaluate runs the compiled expression and reports runtime errors such as
// a division by zero.
func (e *Expr) Evaluate(bufferLen int, elapsed time.Duration) (bool, error) {
	out, err := expr.Run(e.program, exprEnv(bufferLen, elapsed, e.limits))
	if err != nil {
		return false, fmt.Errorf("consolidation: evaluate %q: %w", e.source, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// ShouldConsolidate is Evaluate with a runtime error counting as "do not
// consolidate". Callers that need the error use Decide.
func (e *Expr) ShouldConsolidate(bufferLen int, elapsed time.Duration) bool {
	ok, _ := e.Evaluate(bufferLen, elapsed)
	return ok
}

func (e *Expr) String() string {
	return "expr(" + e.source + ")"
}

// Evaluator is a Policy whose evaluation can fail at run time.
type Evaluator interface {
	Evaluate(bufferLen int, elapsed time.Duration) (bool, error)
}

// Decide asks p whether to consolidate. For an Evaluator a runtime error is
// returned alongside false so the caller can report it.
func Decide(p Policy, bufferLen int, elapsed time.Duration) (bool, error) {
	if ev, ok := p.(Evaluator); ok {
		return ev.Evaluate(bufferLen, elapsed)
	}
	return p.ShouldConsolidate(bufferLen, elapsed), nil
}

// NewPolicy returns an Expr policy when expression is set, otherwise the
// plain Threshold.
func NewPolicy(expression string, limits Threshold) (Policy, error) {
	if expression == "" {
		return limits, nil
	}
	return NewExpr(expression, limits)
}

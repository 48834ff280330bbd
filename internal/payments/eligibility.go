// Package payments resolves region-appropriate payment methods, gates
// them behind currency eligibility rules, and dispatches checkout to
// the provider-specific flow.
package payments

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/openedge-labs/kestrel/internal/domain"
)

// Eligibility is the CEL-based method gating engine. Each rule is a
// boolean predicate over the order context; a method with no rule is
// always eligible.
type Eligibility struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[domain.PaymentMethod]cel.Program
}

// NewEligibility creates the engine and compiles the given rules. An
// empty rule set loads the built-in defaults.
func NewEligibility(rules []domain.MethodRule) (*Eligibility, error) {
	env, err := cel.NewEnv(
		cel.Variable("currency", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("method", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Eligibility{
		env:      env,
		programs: make(map[domain.PaymentMethod]cel.Program),
	}

	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// DefaultRules returns the built-in currency requirements: SEPA and
// iDEAL settle in euros only, UPI in rupees only.
func DefaultRules() []domain.MethodRule {
	return []domain.MethodRule{
		{Method: domain.MethodSEPA, Expression: `currency == "EUR"`},
		{Method: domain.MethodIDEAL, Expression: `currency == "EUR"`},
		{Method: domain.MethodUPI, Expression: `currency == "INR"`},
	}
}

// Reload replaces the loaded rule set atomically.
func (e *Eligibility) Reload(rules []domain.MethodRule) error {
	programs := make(map[domain.PaymentMethod]cel.Program, len(rules))
	for _, rule := range rules {
		program, err := e.compile(rule)
		if err != nil {
			return err
		}
		programs[rule.Method] = program
	}

	e.mu.Lock()
	e.programs = programs
	e.mu.Unlock()
	return nil
}

// Eligible reports whether method may be offered for the given order.
// Evaluation errors fail closed.
func (e *Eligibility) Eligible(method domain.PaymentMethod, order domain.OrderContext) bool {
	e.mu.RLock()
	program, ok := e.programs[method]
	e.mu.RUnlock()
	if !ok {
		return true
	}

	out, _, err := program.Eval(map[string]any{
		"currency": order.Currency,
		"country":  order.CountryCode,
		"amount":   order.Amount,
		"method":   string(method),
	})
	if err != nil {
		return false
	}

	result, ok := out.(types.Bool)
	return ok && bool(result)
}

// RulesCount returns the number of loaded rules.
func (e *Eligibility) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Eligibility) compile(rule domain.MethodRule) (cel.Program, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule for %s: %w", rule.Method, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule for %s: expression must return bool, got %s", rule.Method, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %s: %w", rule.Method, err)
	}
	return program, nil
}

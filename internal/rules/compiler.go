// Package rules builds immutable rule snapshots and matches dialed numbers
// against them. Rules carry an optional CEL condition.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Compiler compiles rule conditions. It is safe for concurrent use.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler with the match-time variables declared.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.StringType),
		cel.Variable("number", cel.StringType),
		cel.Variable("profile", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// ValidateRule checks a rule the same way Build does, without building a snapshot.
func (c *Compiler) ValidateRule(r *domain.Rule) error {
	if r == nil {
		return fmt.Errorf("rule is required")
	}
	_, err := c.compile(r)
	return err
}

func (c *Compiler) compile(r *domain.Rule) (*Rule, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("rule id must be positive, got %d", r.ID)
	}
	if r.ProfileID < 0 {
		return nil, fmt.Errorf("rule %d: profile id must not be negative", r.ID)
	}
	if !isDigits(r.Prefix) {
		return nil, fmt.Errorf("rule %d: prefix %q must contain digits only", r.ID, r.Prefix)
	}
	if err := r.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.ID, err)
	}

	sched, err := parseSchedule(r.StartHour, r.EndHour, r.Days)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.ID, err)
	}

	compiled := &Rule{Rule: *r, schedule: sched}

	if r.Condition != "" {
		prg, err := c.compileCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		compiled.condition = prg
	}

	return compiled, nil
}

func (c *Compiler) compileCondition(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return prg, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package keylifecycle

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultDualControlExpr requires a second approver for every key operation.
const DefaultDualControlExpr = `operation in ["ROTATE_KEY", "REVOKE_KEY"]`

// Policy decides whether a direct key operation needs dual control. The
// expression sees operation, actor and target_key_id and must yield a bool.
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles expr once. An empty expr selects DefaultDualControlExpr.
func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		expr = DefaultDualControlExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("target_key_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("keylifecycle: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("keylifecycle: compile dual-control policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("keylifecycle: dual-control policy must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("keylifecycle: program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *Policy) Expr() string { return p.expr }

// RequiresDualControl evaluates the policy. Evaluation failures fail closed.
func (p *Policy) RequiresDualControl(op Operation, actor, targetKeyID string) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"operation":     string(op),
		"actor":         actor,
		"target_key_id": targetKeyID,
	})
	if err != nil {
		return true, fmt.Errorf("keylifecycle: eval dual-control policy: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("keylifecycle: dual-control policy result not bool")
	}
	return v, nil
}

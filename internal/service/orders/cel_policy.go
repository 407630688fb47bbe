package orders

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

// CELTransitions разрешает переход, если CEL-выражение над from и to
// возвращает true. Пример: `from == "PENDING" || to == "CANCELLED"`.
type CELTransitions struct {
	expr    string
	program cel.Program
}

// NewCELTransitions компилирует выражение; оно должно иметь тип bool.
func NewCELTransitions(expr string) (*CELTransitions, error) {
	env, err := cel.NewEnv(
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile transition rule: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("transition rule must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build transition program: %w", err)
	}
	return &CELTransitions{expr: expr, program: program}, nil
}

// Allow вычисляет выражение для пары статусов.
func (c *CELTransitions) Allow(from, to domain.OrderStatus) error {
	out, _, err := c.program.Eval(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	if err != nil {
		return fmt.Errorf("evaluate transition rule: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return fmt.Errorf("%w: %s -> %s", domain.ErrTransitionNotAllowed, from, to)
	}
	return nil
}

// String возвращает исходное выражение.
func (c *CELTransitions) String() string { return c.expr }

// TransitionMode: режим политики переходов в конфигурации.
type TransitionMode string

const (
	TransitionPermissive TransitionMode = "permissive"
	TransitionAdjacency  TransitionMode = "adjacency"
	TransitionCEL        TransitionMode = "cel"
)

// NewTransitionPolicy строит политику по режиму из конфигурации.
func NewTransitionPolicy(mode string, celExpr string) (domain.TransitionPolicy, error) {
	switch TransitionMode(mode) {
	case "", TransitionPermissive:
		return domain.PermissiveTransitions{}, nil
	case TransitionAdjacency:
		return domain.DefaultAdjacency(), nil
	case TransitionCEL:
		if celExpr == "" {
			return nil, fmt.Errorf("transition mode cel requires an expression")
		}
		return NewCELTransitions(celExpr)
	default:
		return nil, fmt.Errorf("unknown transition mode %q", mode)
	}
}

var _ domain.TransitionPolicy = (*CELTransitions)(nil)

package permission

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// conditionCostLimit ограничение сложности CEL выражения на одно вычисление
const conditionCostLimit = 10_000

// ConditionEvaluator компилирует и кеширует CEL выражения условных правил.
//
// Выражение видит переменные:
//
//	metrics   map(string, double) - значения снимка рынка
//	value     double              - значение метрики правила (0 если нет)
//	threshold double              - порог правила
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator создает evaluator со стандартным окружением
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile проверяет выражение и кладет программу в кеш
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: condition %q: %v", domain.ErrInvalidConfig, expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: condition %q must evaluate to bool, got %s",
			domain.ErrInvalidConfig, expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(conditionCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: condition %q: %v", domain.ErrInvalidConfig, expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Eval вычисляет выражение на снимке
func (e *ConditionEvaluator) Eval(expr string, metrics map[string]float64, value, threshold float64) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if metrics == nil {
		metrics = map[string]float64{}
	}
	out, _, err := prg.Eval(map[string]any{
		"metrics":   metrics,
		"value":     value,
		"threshold": threshold,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q: result not bool", expr)
	}
	return val, nil
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/strategy"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// DefaultExecutionBudget wall-clock лимит одного исполнения
const DefaultExecutionBudget = 30 * time.Second

var (
	// ErrHandlerPanic handler упал с panic
	ErrHandlerPanic = errors.New("strategy handler panicked")

	// ErrBudgetTimeout handler не уложился в execution budget
	ErrBudgetTimeout = errors.New("execution budget exhausted")
)

type dispatchKey struct{}

// withDispatch помечает контекст исполнения handler
func withDispatch(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, dispatchKey{}, requestID)
}

// inDispatch возвращает id запроса, если ctx пришел изнутри handler
func inDispatch(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(dispatchKey{}).(string)
	return id, ok
}

type dispatchResult struct {
	outcome strategy.Outcome
	err     error
}

// Executor изолирует handler: отдельная goroutine, recover и таймаут
type Executor struct {
	budget time.Duration
	logger *utils.Logger
}

// NewExecutor создает executor с wall-clock budget
func NewExecutor(budget time.Duration, logger *utils.Logger) *Executor {
	if budget <= 0 {
		budget = DefaultExecutionBudget
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Executor{budget: budget, logger: logger}
}

// Budget текущий wall-clock лимит
func (x *Executor) Budget() time.Duration {
	return x.budget
}

// Run исполняет handler. Ошибки, panic и таймаут возвращаются как error, никогда не пробрасываются выше.
// Отмена ctx прерывает ожидание (CancelExecution).
func (x *Executor) Run(ctx context.Context, h strategy.Handler, inv strategy.Invocation) (strategy.Outcome, error) {
	if h == nil {
		return strategy.Outcome{}, fmt.Errorf("no handler for strategy %s", inv.Strategy.ID)
	}

	dctx, cancel := context.WithTimeout(withDispatch(ctx, inv.Request.ID), x.budget)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				x.logger.Error("handler %s panicked on %s: %v\n%s", inv.Strategy.Handler, inv.Request.ID, r, debug.Stack())
				done <- dispatchResult{
					outcome: strategy.Outcome{GasUsed: inv.Meter.Used()},
					err:     fmt.Errorf("%w: %v", ErrHandlerPanic, r),
				}
			}
		}()
		out, err := h.Execute(dctx, inv)
		done <- dispatchResult{outcome: out, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-dctx.Done():
		err := dctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrBudgetTimeout, x.budget)
		}
		return strategy.Outcome{GasUsed: inv.Meter.Used()}, err
	}
}

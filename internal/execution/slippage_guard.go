package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/security"
)

// SlippageEvent фактический slippage выше потолка стратегии. Результат исполнения не меняется.
type SlippageEvent struct {
	Request    domain.ExecutionRequest
	Result     domain.ExecutionResult
	CeilingBps uint32
	ActualBps  uint32
}

// SlippageListener получает SlippageEvent после записи результата
type SlippageListener func(ctx context.Context, event SlippageEvent)

// SlippageGuard считает slippage исполнения и сравнивает с потолком стратегии
type SlippageGuard struct{}

// Measure |expected - actual| / expected в bps; 0 если handler не сообщил ожидаемый output
func (SlippageGuard) Measure(expected, actual decimal.Decimal) uint32 {
	if expected.Sign() <= 0 || actual.Sign() < 0 {
		return 0
	}
	return security.SlippageBps(expected, actual)
}

// Exceeded true если actual выше потолка
func (SlippageGuard) Exceeded(actualBps, ceilingBps uint32) bool {
	return !security.WithinSlippage(actualBps, ceilingBps)
}

// Describe текст для audit и логов
func (SlippageGuard) Describe(actualBps, ceilingBps uint32) string {
	return fmt.Sprintf("%d bps (ceiling %d bps)", actualBps, ceilingBps)
}

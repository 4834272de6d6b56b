package strategy

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/security"
)

// PaperVenue симуляция исполнения для локального запуска: fill = expected минус фиксированный slippage
type PaperVenue struct {
	mu          sync.Mutex
	slippageBps uint32
	orders      []SwapOrder
}

// NewPaperVenue создает paper venue
func NewPaperVenue(slippageBps uint32) *PaperVenue {
	return &PaperVenue{slippageBps: slippageBps}
}

// SetSlippage меняет симулируемый slippage
func (v *PaperVenue) SetSlippage(bps uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slippageBps = bps
}

func (v *PaperVenue) Swap(ctx context.Context, order SwapOrder) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.orders = append(v.orders, order)
	return Fill{
		OrderID:   "paper-" + uuid.New().String(),
		AmountOut: security.ApplySlippage(order.ExpectedOut, v.slippageBps),
	}, nil
}

// Orders копия принятых заявок
func (v *PaperVenue) Orders() []SwapOrder {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]SwapOrder, len(v.orders))
	copy(out, v.orders)
	return out
}

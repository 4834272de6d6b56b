package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/security"
)

// Handler names
const (
	HandlerSwap      = "swap"
	HandlerRebalance = "rebalance"
)

// SwapOrder заявка на обмен
type SwapOrder struct {
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
	MinOut      decimal.Decimal `json:"min_out"`
}

// Fill исполнение заявки
type Fill struct {
	OrderID   string          `json:"order_id"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// Venue площадка исполнения (DEX, агрегатор, paper)
type Venue interface {
	Swap(ctx context.Context, order SwapOrder) (Fill, error)
}

// SwapParams параметры одного обмена в ExecutionRequest.Params
type SwapParams struct {
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	ExpectedOut decimal.Decimal `json:"expected_out"`
}

// Validate проверяет параметры обмена
func (p SwapParams) Validate() error {
	switch {
	case strings.TrimSpace(p.TokenIn) == "" || strings.TrimSpace(p.TokenOut) == "":
		return fmt.Errorf("%w: token_in and token_out are required", domain.ErrInvalidRequest)
	case strings.EqualFold(p.TokenIn, p.TokenOut):
		return fmt.Errorf("%w: token_in equals token_out", domain.ErrInvalidRequest)
	case p.AmountIn.Sign() <= 0:
		return fmt.Errorf("%w: amount_in must be positive", domain.ErrInvalidRequest)
	case p.ExpectedOut.Sign() <= 0:
		return fmt.Errorf("%w: expected_out must be positive", domain.ErrInvalidRequest)
	}
	return nil
}

// SwapHandler один обмен через venue (1 операция)
type SwapHandler struct {
	venue Venue
}

// NewSwapHandler создает handler поверх venue
func NewSwapHandler(venue Venue) *SwapHandler {
	return &SwapHandler{venue: venue}
}

func (h *SwapHandler) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	var params SwapParams
	if err := json.Unmarshal(inv.Request.Params, &params); err != nil {
		return Outcome{}, fmt.Errorf("%w: swap params: %v", domain.ErrInvalidRequest, err)
	}
	if err := params.Validate(); err != nil {
		return Outcome{}, err
	}

	fill, filled, err := swap(ctx, h.venue, inv, params)
	if err != nil {
		out := Outcome{GasUsed: inv.Meter.Used()}
		if filled {
			out.ExpectedOut = params.ExpectedOut
			out.ActualOut = fill.AmountOut
		}
		return out, err
	}

	data, err := json.Marshal(fill)
	if err != nil {
		return Outcome{GasUsed: inv.Meter.Used()}, fmt.Errorf("failed to encode fill: %w", err)
	}
	return Outcome{
		ReturnData:  data,
		GasUsed:     inv.Meter.Used(),
		ExpectedOut: params.ExpectedOut,
		ActualOut:   fill.AmountOut,
	}, nil
}

// swap проводит одну заявку с защитой minOut по tolerance запроса.
// filled true если venue исполнила заявку, даже когда output ниже minOut.
func swap(ctx context.Context, venue Venue, inv Invocation, params SwapParams) (Fill, bool, error) {
	if err := inv.Meter.Spend(1); err != nil {
		return Fill{}, false, err
	}
	order := SwapOrder{
		TokenIn:     strings.ToUpper(params.TokenIn),
		TokenOut:    strings.ToUpper(params.TokenOut),
		AmountIn:    params.AmountIn,
		ExpectedOut: params.ExpectedOut,
		MinOut:      security.ApplySlippage(params.ExpectedOut, inv.Request.MaxSlippageBps),
	}
	fill, err := venue.Swap(ctx, order)
	if err != nil {
		return Fill{}, false, fmt.Errorf("venue swap %s->%s: %w", order.TokenIn, order.TokenOut, err)
	}
	if fill.AmountOut.LessThan(order.MinOut) {
		return fill, true, fmt.Errorf("output %s below min %s (%d bps tolerance)",
			fill.AmountOut, order.MinOut, inv.Request.MaxSlippageBps)
	}
	return fill, true, nil
}

// RebalanceParams набор обменов для ребалансировки портфеля
type RebalanceParams struct {
	Legs []SwapParams `json:"legs"`
}

// RebalanceHandler последовательные обмены, по одной операции на leg
type RebalanceHandler struct {
	venue Venue
}

// NewRebalanceHandler создает handler поверх venue
func NewRebalanceHandler(venue Venue) *RebalanceHandler {
	return &RebalanceHandler{venue: venue}
}

func (h *RebalanceHandler) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	var params RebalanceParams
	if err := json.Unmarshal(inv.Request.Params, &params); err != nil {
		return Outcome{}, fmt.Errorf("%w: rebalance params: %v", domain.ErrInvalidRequest, err)
	}
	if len(params.Legs) == 0 {
		return Outcome{}, fmt.Errorf("%w: rebalance needs at least one leg", domain.ErrInvalidRequest)
	}
	for i, leg := range params.Legs {
		if err := leg.Validate(); err != nil {
			return Outcome{}, fmt.Errorf("leg %d: %w", i, err)
		}
	}

	var (
		fills    []Fill
		expected = decimal.Zero
		actual   = decimal.Zero
	)
	for i, leg := range params.Legs {
		partial := Outcome{GasUsed: inv.Meter.Used(), ExpectedOut: expected, ActualOut: actual}
		if err := ctx.Err(); err != nil {
			return partial, err
		}
		fill, filled, err := swap(ctx, h.venue, inv, leg)
		if err != nil {
			partial.GasUsed = inv.Meter.Used()
			if filled {
				partial.ExpectedOut = expected.Add(leg.ExpectedOut)
				partial.ActualOut = actual.Add(fill.AmountOut)
			}
			return partial, fmt.Errorf("leg %d: %w", i, err)
		}
		fills = append(fills, fill)
		expected = expected.Add(leg.ExpectedOut)
		actual = actual.Add(fill.AmountOut)
	}

	data, err := json.Marshal(fills)
	if err != nil {
		return Outcome{GasUsed: inv.Meter.Used()}, fmt.Errorf("failed to encode fills: %w", err)
	}
	return Outcome{
		ReturnData:  data,
		GasUsed:     inv.Meter.Used(),
		ExpectedOut: expected,
		ActualOut:   actual,
	}, nil
}

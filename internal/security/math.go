package security

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(domain.BpsDenominator)

// MinU64 меньшее из a и b
func MinU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// MaxU64 большее из a и b
func MaxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// MeetsFraction true если part/whole >= bps/10000. Считается в big.Int без переполнения и округления.
// При whole == 0 выполняется только для bps == 0.
func MeetsFraction(part, whole uint64, bps uint32) bool {
	if whole == 0 {
		return bps == 0
	}
	lhs := new(big.Int).Mul(new(big.Int).SetUint64(part), big.NewInt(domain.BpsDenominator))
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(whole), big.NewInt(int64(bps)))
	return lhs.Cmp(rhs) >= 0
}

// BpsOf part/whole в bps с округлением вниз
func BpsOf(part, whole decimal.Decimal) uint32 {
	if whole.Sign() <= 0 || part.Sign() <= 0 {
		return 0
	}
	bps := part.Mul(bpsDenominator).Div(whole).Floor()
	if bps.GreaterThan(decimal.NewFromInt(int64(^uint32(0)))) {
		return ^uint32(0)
	}
	return uint32(bps.IntPart())
}

// SlippageBps вычисляет |expected - actual| / expected в bps
func SlippageBps(expected, actual decimal.Decimal) uint32 {
	if expected.Sign() <= 0 {
		return 0
	}
	return BpsOf(expected.Sub(actual).Abs(), expected)
}

// ApplySlippage минимальный допустимый output при tolerance в bps
func ApplySlippage(expected decimal.Decimal, toleranceBps uint32) decimal.Decimal {
	factor := bpsDenominator.Sub(decimal.NewFromInt(int64(toleranceBps))).Div(bpsDenominator)
	return expected.Mul(factor)
}

package security

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

func TestValidateDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.NoError(t, ValidateDeadline(now.Add(time.Second), now))
	assert.ErrorIs(t, ValidateDeadline(now, now), domain.ErrDeadlineExpired)
	assert.ErrorIs(t, ValidateDeadline(now.Add(-time.Minute), now), domain.ErrInvalidRequest)
	assert.ErrorIs(t, ValidateDeadline(time.Time{}, now), domain.ErrInvalidRequest)
}

func TestCooldownElapsed(t *testing.T) {
	last := time.Unix(1_000, 0)
	cooldown := 300 * time.Second

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"never executed", time.Time{}, last, true},
		{"inside window", last, last.Add(100 * time.Second), false},
		{"exactly at boundary", last, last.Add(cooldown), true},
		{"after window", last, last.Add(301 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CooldownElapsed(tt.last, cooldown, tt.now))
		})
	}

	assert.Equal(t, 200*time.Second, CooldownRemaining(last, cooldown, last.Add(100*time.Second)))
	assert.Equal(t, time.Duration(0), CooldownRemaining(last, cooldown, last.Add(time.Hour)))
}

func TestCheckSlippage(t *testing.T) {
	assert.NoError(t, CheckSlippage(100, 100))
	err := CheckSlippage(101, 100)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
	assert.True(t, WithinSlippage(0, 0))
	assert.False(t, WithinSlippage(1, 0))
}

func TestMeetsFraction(t *testing.T) {
	tests := []struct {
		name  string
		part  uint64
		whole uint64
		bps   uint32
		want  bool
	}{
		{"exact quorum", 30, 100, 3000, true},
		{"below quorum", 29, 100, 3000, false},
		{"full support", 40, 40, 5000, true},
		{"exact half", 50, 100, 5000, true},
		{"zero whole zero bps", 0, 0, 0, true},
		{"zero whole non-zero bps", 0, 0, 1, false},
		{"no overflow", ^uint64(0), ^uint64(0), 10_000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MeetsFraction(tt.part, tt.whole, tt.bps))
		})
	}
}

func TestSlippageBps(t *testing.T) {
	expected := decimal.NewFromInt(1000)

	assert.Equal(t, uint32(0), SlippageBps(expected, expected))
	assert.Equal(t, uint32(100), SlippageBps(expected, decimal.NewFromInt(990)))
	assert.Equal(t, uint32(250), SlippageBps(expected, decimal.NewFromInt(1025)))
	assert.Equal(t, uint32(0), SlippageBps(decimal.Zero, decimal.NewFromInt(5)))
}

func TestApplySlippage(t *testing.T) {
	minOut := ApplySlippage(decimal.NewFromInt(1000), 50)
	assert.True(t, minOut.Equal(decimal.NewFromInt(995)), minOut.String())
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, uint64(3), MinU64(3, 7))
	assert.Equal(t, uint64(7), MaxU64(3, 7))
}

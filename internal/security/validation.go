// Package security содержит stateless проверки: deadline, slippage, cooldown и bps-арифметику.
package security

import (
	"fmt"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// ValidateDeadline deadline должен быть строго в будущем
func ValidateDeadline(deadline, now time.Time) error {
	if deadline.IsZero() {
		return fmt.Errorf("%w: deadline is required", domain.ErrInvalidRequest)
	}
	if !deadline.After(now) {
		return fmt.Errorf("%w: %s <= %s", domain.ErrDeadlineExpired,
			deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckSlippage проверяет slippage против верхней границы
func CheckSlippage(actualBps, maxBps uint32) error {
	if actualBps > maxBps {
		return fmt.Errorf("%w: slippage %d bps exceeds %d bps", domain.ErrInvalidRequest, actualBps, maxBps)
	}
	return nil
}

// WithinSlippage true если actual <= max
func WithinSlippage(actualBps, maxBps uint32) bool {
	return actualBps <= maxBps
}

// CooldownElapsed true если с момента last прошло не меньше cooldown.
// Нулевой last означает что исполнений еще не было.
func CooldownElapsed(last time.Time, cooldown time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(last.Add(cooldown))
}

// CooldownRemaining сколько осталось до конца cooldown
func CooldownRemaining(last time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if CooldownElapsed(last, cooldown, now) {
		return 0
	}
	return last.Add(cooldown).Sub(now)
}

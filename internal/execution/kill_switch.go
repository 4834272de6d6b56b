package execution

import (
	"sync"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// PauseStatus состояние аварийной паузы
type PauseStatus struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// KillSwitch глобальная аварийная остановка исполнения, независимая от состояния стратегий
type KillSwitch struct {
	mu     sync.RWMutex
	status PauseStatus
	logger *utils.Logger
}

// NewKillSwitch создает новый kill switch
func NewKillSwitch(logger *utils.Logger) *KillSwitch {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &KillSwitch{logger: logger}
}

// Activate активирует kill switch. Повторная активация обновляет причину.
func (ks *KillSwitch) Activate(actor, reason string, at time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.status = PauseStatus{
		Active:      true,
		Reason:      reason,
		ActivatedBy: actor,
		ActivatedAt: at,
	}
	ks.logger.Error("KILL SWITCH ACTIVATED by %s: %s", actor, reason)
}

// Deactivate деактивирует kill switch (требует ручного вмешательства)
func (ks *KillSwitch) Deactivate(actor string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	wasActive := ks.status.Active
	ks.status = PauseStatus{}
	if wasActive {
		ks.logger.Info("Kill switch deactivated by %s", actor)
	}
	return wasActive
}

// IsActive проверяет активен ли kill switch
func (ks *KillSwitch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.status.Active
}

// Status возвращает копию состояния
func (ks *KillSwitch) Status() PauseStatus {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.status
}

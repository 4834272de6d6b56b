package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType тип действия, которое агент может выполнить от имени пользователя
type ActionType string

// VoteStatus состояние голосования
type VoteStatus string

// ExecutionStatus статус исполнения, восстановленный из Request/Result
type ExecutionStatus string

// Strategy представляет зарегистрированную политику исполнения
type Strategy struct {
	ID             string        `json:"id" yaml:"id"`
	Handler        string        `json:"handler" yaml:"handler"`
	Active         bool          `json:"active" yaml:"active"`
	MaxGasLimit    uint64        `json:"max_gas_limit" yaml:"max_gas_limit"` // operation budget
	MaxSlippageBps uint32        `json:"max_slippage_bps" yaml:"max_slippage_bps"`
	Cooldown       time.Duration `json:"cooldown" yaml:"cooldown"`
	LastExecution  time.Time     `json:"last_execution" yaml:"-"`
	CreatedAt      time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time     `json:"updated_at" yaml:"-"`
}

// ExecutionRequest запрос пользователя на исполнение стратегии
type ExecutionRequest struct {
	ID               string    `json:"id" db:"id"`
	Requester        string    `json:"requester" db:"requester"`
	StrategyID       string    `json:"strategy_id" db:"strategy_id"`
	Params           []byte    `json:"params" db:"params"` // JSON
	MaxSlippageBps   uint32    `json:"max_slippage_bps" db:"max_slippage_bps"`
	Deadline         time.Time `json:"deadline" db:"deadline"`
	Priority         int       `json:"priority" db:"priority"`
	RequiresApproval bool      `json:"requires_approval" db:"requires_approval"`
	Sequence         uint64    `json:"sequence" db:"sequence"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ExecutionResult результат исполнения запроса (write-once)
type ExecutionResult struct {
	RequestID         string    `json:"request_id" db:"request_id"`
	Success           bool      `json:"success" db:"success"`
	ReturnData        []byte    `json:"return_data,omitempty" db:"return_data"`
	GasUsed           uint64    `json:"gas_used" db:"gas_used"`
	ActualSlippageBps uint32    `json:"actual_slippage_bps" db:"actual_slippage_bps"`
	CompletedAt       time.Time `json:"completed_at" db:"completed_at"`
	Error             string    `json:"error,omitempty" db:"error_message"`
}

// Permission делегированное право пользователя на тип действия
type Permission struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	Action           ActionType      `json:"action"`
	Threshold        uint32          `json:"threshold"` // минимальная confidence рекомендации, bps
	Cooldown         time.Duration   `json:"cooldown"`
	Active           bool            `json:"active"`
	RequiresVoting   bool            `json:"requires_voting"`
	MaxAmount        decimal.Decimal `json:"max_amount"`
	MaxPercentageBps uint32          `json:"max_percentage_bps"` // 0 = без лимита
	RiskTolerance    uint8           `json:"risk_tolerance"`
	Tokens           []string        `json:"tokens,omitempty"`
	Windows          []TimeWindow    `json:"windows,omitempty"`
	Conditions       []string        `json:"conditions,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	LastUsed         time.Time       `json:"last_used"`
	RevokedAt        time.Time       `json:"revoked_at"`
	RevokeReason     string          `json:"revoke_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TimeWindow окно времени (UTC), в котором разрешение действует
type TimeWindow struct {
	Weekdays    []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays"`
	StartMinute int            `json:"start_minute" yaml:"start_minute"`
	EndMinute   int            `json:"end_minute" yaml:"end_minute"`
}

// Contains проверяет попадает ли момент t в окно
func (w TimeWindow) Contains(t time.Time) bool {
	t = t.UTC()
	if len(w.Weekdays) > 0 {
		found := false
		for _, d := range w.Weekdays {
			if d == t.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= w.StartMinute && minute < w.EndMinute
}

// ConditionalRule триггер автоматического отзыва разрешений
type ConditionalRule struct {
	ID               string        `json:"id" yaml:"id"`
	Metric           string        `json:"metric" yaml:"metric"` // volatility, drawdown, ...
	Threshold        float64       `json:"threshold" yaml:"threshold"`
	Expression       string        `json:"expression,omitempty" yaml:"expression"` // CEL, опционально
	AutoRevoke       bool          `json:"auto_revoke" yaml:"auto_revoke"`
	EscalateToVoting bool          `json:"escalate_to_voting" yaml:"escalate_to_voting"`
	GracePeriod      time.Duration `json:"grace_period" yaml:"grace_period"`
	Active           bool          `json:"active" yaml:"-"`
	BreachedSince    time.Time     `json:"breached_since" yaml:"-"`
	Fired            bool          `json:"fired" yaml:"-"`
	CreatedAt        time.Time     `json:"created_at" yaml:"-"`
}

// Vote предложение для голосования сообщества
type Vote struct {
	ID           uint64     `json:"id"`
	Proposer     string     `json:"proposer"`
	Description  string     `json:"description"`
	ActionType   ActionType `json:"action_type"`
	Payload      []byte     `json:"payload,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Deadline     time.Time  `json:"deadline"`
	Status       VoteStatus `json:"status"`
	Cancelled    bool       `json:"cancelled"`
	Resolved     bool       `json:"resolved"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

// VoteResult подсчет голосов в единицах voting power
type VoteResult struct {
	VoteID         uint64     `json:"vote_id"`
	ForVotes       uint64     `json:"for_votes"`
	AgainstVotes   uint64     `json:"against_votes"`
	TotalVotes     uint64     `json:"total_votes"`
	TotalPower     uint64     `json:"total_power"`
	QuorumReached  bool       `json:"quorum_reached"`
	SupportReached bool       `json:"support_reached"`
	Status         VoteStatus `json:"status"`
}

// Ballot голос одного участника
type Ballot struct {
	Voter   string    `json:"voter"`
	Support bool      `json:"support"`
	Power   uint64    `json:"power"`
	Reason  string    `json:"reason,omitempty"`
	CastAt  time.Time `json:"cast_at"`
}

// Delegation делегирование voting power без передачи токенов
type Delegation struct {
	Delegator string `json:"delegator"`
	Delegatee string `json:"delegatee"`
	Amount    uint64 `json:"amount"`
}

// AuditEvent запись append-only журнала изменений
type AuditEvent struct {
	ID         string    `json:"id" db:"id"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Action     string    `json:"action" db:"action"`
	Field      string    `json:"field,omitempty" db:"field"`
	OldValue   string    `json:"old_value,omitempty" db:"old_value"`
	NewValue   string    `json:"new_value,omitempty" db:"new_value"`
	Timestamp  time.Time `json:"timestamp" db:"created_at"`
}

// MarketSnapshot снимок рыночных метрик на момент времени
type MarketSnapshot struct {
	Values  map[string]float64 `json:"values"`
	Source  string             `json:"source"`
	TakenAt time.Time          `json:"taken_at"`
}

// Metric возвращает значение метрики
func (s MarketSnapshot) Metric(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

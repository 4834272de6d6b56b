package policy

import (
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
)

// Policy профиль политики: границы разрешений, стратегии и правила
type Policy struct {
	ProfileName      string                     `yaml:"profile_name"`
	PermissionBounds BoundsSpec                 `yaml:"permission_bounds"`
	Strategies       []execution.StrategyConfig `yaml:"strategies"`
	ConditionalRules []RuleSpec                 `yaml:"conditional_rules"`
	Permissions      []GrantSpec                `yaml:"permissions"`
	VotingPower      map[string]uint64          `yaml:"voting_power"`
}

// BoundsSpec границы разрешений. Суммы строкой, чтобы не терять точность.
type BoundsSpec struct {
	MinCooldown      time.Duration `yaml:"min_cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	MaxAmount        string        `yaml:"max_amount"`
	MaxRiskTolerance uint8         `yaml:"max_risk_tolerance"`
}

// RuleSpec описывает условное правило (бывший circuit breaker)
type RuleSpec struct {
	ID         string        `yaml:"id"`
	Metric     string        `yaml:"metric"`
	Threshold  float64       `yaml:"threshold"`
	Expression string        `yaml:"expression"`
	Action     string        `yaml:"action"` // revoke, escalate, revoke_and_escalate
	Grace      time.Duration `yaml:"grace_period"`
}

// Действия правила
const (
	RuleActionRevoke            = "revoke"
	RuleActionEscalate          = "escalate"
	RuleActionRevokeAndEscalate = "revoke_and_escalate"
)

// GrantSpec начальное разрешение пользователя
type GrantSpec struct {
	User             string              `yaml:"user"`
	Action           domain.ActionType   `yaml:"action"`
	Threshold        uint32              `yaml:"threshold"`
	Cooldown         time.Duration       `yaml:"cooldown"`
	RequiresVoting   bool                `yaml:"requires_voting"`
	MaxAmount        string              `yaml:"max_amount"`
	MaxPercentageBps uint32              `yaml:"max_percentage_bps"`
	RiskTolerance    uint8               `yaml:"risk_tolerance"`
	Tokens           []string            `yaml:"tokens"`
	Windows          []domain.TimeWindow `yaml:"windows"`
	Conditions       []string            `yaml:"conditions"`
}

// Summary итог применения профиля
type Summary struct {
	Profile     string
	Strategies  []string
	Rules       []string
	Permissions []string
	VotingPower int
}

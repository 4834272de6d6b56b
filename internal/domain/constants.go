package domain

import "time"

// Action types, на которые пользователь может делегировать права агенту
const (
	ActionSwap            ActionType = "SWAP"
	ActionRebalance       ActionType = "REBALANCE"
	ActionAddLiquidity    ActionType = "ADD_LIQUIDITY"
	ActionRemoveLiquidity ActionType = "REMOVE_LIQUIDITY"
	ActionYieldFarm       ActionType = "YIELD_FARM"
	ActionStake           ActionType = "STAKE"
)

// Valid true для известных action types
func (a ActionType) Valid() bool {
	switch a {
	case ActionSwap, ActionRebalance, ActionAddLiquidity, ActionRemoveLiquidity, ActionYieldFarm, ActionStake:
		return true
	}
	return false
}

// Vote statuses
const (
	VoteOpen      VoteStatus = "OPEN"
	VotePassed    VoteStatus = "PASSED"
	VoteFailed    VoteStatus = "FAILED"
	VoteCancelled VoteStatus = "CANCELLED"
)

// Execution statuses (выводятся из пары Request/Result)
const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// Entity types для audit log
const (
	EntityStrategy   = "strategy"
	EntityExecution  = "execution"
	EntityPermission = "permission"
	EntityRule       = "rule"
	EntityVote       = "vote"
	EntityDelegation = "delegation"
	EntityEngine     = "engine"
)

// Audit actions
const (
	AuditRegister         = "register"
	AuditUpdate           = "update"
	AuditDeactivate       = "deactivate"
	AuditExecute          = "execute"
	AuditCancel           = "cancel"
	AuditGrant            = "grant"
	AuditRevoke           = "revoke"
	AuditAutoRevoke       = "auto_revoke"
	AuditUse              = "use"
	AuditEscalated        = "escalated"
	AuditCreate           = "create"
	AuditCast             = "cast"
	AuditResolve          = "vote_resolved"
	AuditDelegate         = "delegate"
	AuditUndelegate       = "undelegate"
	AuditSetPower         = "set_power"
	AuditConfigure        = "configure"
	AuditEmergencyPause   = "emergency_pause"
	AuditResume           = "resume"
	AuditSlippageExceeded = "slippage_exceeded"
	AuditDropped          = "dropped"
)

// System actors
const (
	ActorSystem            = "system"
	ActorPermissionManager = "permission-manager"
)

// Policy limits
const (
	BpsDenominator = 10_000

	// MaxSlippageBps верхняя граница slippage для стратегий и запросов (10%)
	MaxSlippageBps uint32 = 1_000

	// MinCooldown минимальный cooldown стратегии
	MinCooldown = 60 * time.Second

	// MaxGasLimit максимальный operation budget стратегии (вызовы venue за одно исполнение)
	MaxGasLimit uint64 = 10_000

	// MaxStrategies максимальное число зарегистрированных стратегий
	MaxStrategies = 100

	// MaxRiskTolerance шкала risk tolerance 1..10
	MaxRiskTolerance uint8 = 10
)

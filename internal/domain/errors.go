package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest возвращается при некорректных входных данных
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidConfig конфигурация вне границ политики
	ErrInvalidConfig = fmt.Errorf("%w: invalid config", ErrInvalidRequest)

	// ErrDeadlineExpired deadline запроса уже прошел
	ErrDeadlineExpired = fmt.Errorf("%w: deadline expired", ErrInvalidRequest)

	// ErrNotAuthorized у вызывающего нет роли или voting power
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnknownEntity запись не найдена
	ErrUnknownEntity = errors.New("unknown entity")

	ErrUnknownStrategy   = fmt.Errorf("%w: strategy", ErrUnknownEntity)
	ErrUnknownVote       = fmt.Errorf("%w: vote", ErrUnknownEntity)
	ErrUnknownPermission = fmt.Errorf("%w: permission", ErrUnknownEntity)
	ErrUnknownRule       = fmt.Errorf("%w: rule", ErrUnknownEntity)
	ErrUnknownRequest    = fmt.Errorf("%w: execution request", ErrUnknownEntity)

	// ErrAlreadyExists повторная регистрация
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyVoted повторный голос
	ErrAlreadyVoted = errors.New("already voted")

	// ErrInvalidVote голосование неизвестно, истекло или завершено
	ErrInvalidVote = errors.New("invalid vote")

	// ErrInsufficientPower недостаточно voting power
	ErrInsufficientPower = errors.New("insufficient voting power")

	// ErrPowerLocked power участвует в открытом голосовании
	ErrPowerLocked = errors.New("voting power locked by open vote")

	// ErrTooManyStrategies превышен лимит стратегий
	ErrTooManyStrategies = errors.New("too many strategies")

	// ErrCooldownActive стратегия еще в cooldown
	ErrCooldownActive = errors.New("cooldown active")

	// ErrEmergencyPaused активирована аварийная пауза
	ErrEmergencyPaused = errors.New("emergency paused")

	// ErrExecutionFailure handler стратегии завершился ошибкой
	ErrExecutionFailure = errors.New("execution failure")

	// ErrReentrantCall вложенный вызов engine из handler
	ErrReentrantCall = errors.New("reentrant call")

	// ErrInsufficientBalance возвращается при недостаточном балансе
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Category возвращает имя категории ошибки из таксономии
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrUnknownEntity):
		return "UnknownEntity"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrAlreadyVoted):
		return "AlreadyVoted"
	case errors.Is(err, ErrInvalidVote):
		return "InvalidVote"
	case errors.Is(err, ErrInsufficientPower), errors.Is(err, ErrPowerLocked):
		return "InsufficientPower"
	case errors.Is(err, ErrTooManyStrategies):
		return "TooManyStrategies"
	case errors.Is(err, ErrCooldownActive):
		return "CooldownActive"
	case errors.Is(err, ErrEmergencyPaused):
		return "EmergencyPaused"
	case errors.Is(err, ErrExecutionFailure):
		return "ExecutionFailure"
	case errors.Is(err, ErrReentrantCall):
		return "ReentrantCall"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	default:
		return "Internal"
	}
}

// IsTransient политическая блокировка, которую можно повторить позже
func IsTransient(err error) bool {
	return errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrEmergencyPaused)
}

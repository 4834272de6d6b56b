// Package execution реестр стратегий и журнал запросов/результатов исполнения с cooldown, slippage и аварийной паузой.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/security"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/strategy"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// Recorder получает запросы и результаты после коммита (Postgres ledger)
type Recorder interface {
	RecordRequest(ctx context.Context, req domain.ExecutionRequest) error
	RecordResult(ctx context.Context, res domain.ExecutionResult) error
}

// Config параметры движка
type Config struct {
	ExecutionBudget time.Duration
	MaxStrategies   int
}

// DefaultConfig budget 30s, не более 100 стратегий
func DefaultConfig() Config {
	return Config{
		ExecutionBudget: DefaultExecutionBudget,
		MaxStrategies:   domain.MaxStrategies,
	}
}

// StrategyConfig параметры регистрации / обновления стратегии
type StrategyConfig struct {
	ID             string        `yaml:"id"`
	Handler        string        `yaml:"handler"`
	MaxGasLimit    uint64        `yaml:"max_gas_limit"`
	MaxSlippageBps uint32        `yaml:"max_slippage_bps"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// Engine движок исполнения. Стратегии, запросы и результаты под одним write lock.
type Engine struct {
	mu            sync.RWMutex
	strategies    map[string]*domain.Strategy
	strategyOrder []string
	requests      map[string]*domain.ExecutionRequest
	results       map[string]*domain.ExecutionResult
	byUser        map[string][]string
	inflight      map[string]context.CancelFunc
	dispatching   string
	sequence      uint64

	cfg       Config
	handlers  *strategy.Registry
	executor  *Executor
	kill      *KillSwitch
	guard     SlippageGuard
	recorder  Recorder
	listeners []SlippageListener

	authz  *access.Authorizer
	audit  *audit.Log
	clock  func() time.Time
	logger *utils.Logger
}

// NewEngine создает движок исполнения
func NewEngine(cfg Config, handlers *strategy.Registry, authz *access.Authorizer, auditLog *audit.Log, logger *utils.Logger) *Engine {
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = domain.MaxStrategies
	}
	if handlers == nil {
		handlers = strategy.NewRegistry()
	}
	if authz == nil {
		authz = access.NewAuthorizer()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if auditLog == nil {
		auditLog = audit.NewLog(logger)
	}
	logger = logger.Named("execution")
	return &Engine{
		strategies: make(map[string]*domain.Strategy),
		requests:   make(map[string]*domain.ExecutionRequest),
		results:    make(map[string]*domain.ExecutionResult),
		byUser:     make(map[string][]string),
		inflight:   make(map[string]context.CancelFunc),
		cfg:        cfg,
		handlers:   handlers,
		executor:   NewExecutor(cfg.ExecutionBudget, logger),
		kill:       NewKillSwitch(logger),
		authz:      authz,
		audit:      auditLog,
		clock:      time.Now,
		logger:     logger,
	}
}

// WithClock подменяет часы
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// SetRecorder подключает внешний журнал
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// OnSlippageExceeded подписка на превышение slippage
func (e *Engine) OnSlippageExceeded(l SlippageListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RegisterStrategy регистрирует стратегию (strategy_manager)
func (e *Engine) RegisterStrategy(ctx context.Context, actor string, cfg StrategyConfig) (*domain.Strategy, error) {
	if err := e.authz.Require(actor, access.CapStrategyManager); err != nil {
		return nil, err
	}
	if err := e.validateStrategy(cfg); err != nil {
		return nil, err
	}
	now := e.clock()

	e.mu.Lock()
	if _, exists := e.strategies[cfg.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: strategy %s", domain.ErrAlreadyExists, cfg.ID)
	}
	if len(e.strategies) >= e.cfg.MaxStrategies {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", domain.ErrTooManyStrategies, e.cfg.MaxStrategies)
	}
	s := &domain.Strategy{
		ID:             cfg.ID,
		Handler:        cfg.Handler,
		Active:         true,
		MaxGasLimit:    cfg.MaxGasLimit,
		MaxSlippageBps: cfg.MaxSlippageBps,
		Cooldown:       cfg.Cooldown,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.strategies[s.ID] = s
	e.strategyOrder = append(e.strategyOrder, s.ID)
	out := *s
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityStrategy, s.ID, domain.AuditRegister, "handler", "", s.Handler)
	e.logger.Info("strategy %s registered: handler=%s cooldown=%s gas=%d slippage=%dbps",
		s.ID, s.Handler, s.Cooldown, s.MaxGasLimit, s.MaxSlippageBps)
	return &out, nil
}

// UpdateStrategy меняет параметры. LastExecution и CreatedAt сохраняются; идентичные поля - no-op.
func (e *Engine) UpdateStrategy(ctx context.Context, actor, id string, cfg StrategyConfig) (*domain.Strategy, error) {
	if err := e.authz.Require(actor, access.CapStrategyManager); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return nil, fmt.Errorf("%w: strategy id cannot change (%s -> %s)", domain.ErrInvalidRequest, id, cfg.ID)
	}

	e.mu.Lock()
	s, ok := e.strategies[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStrategy, id)
	}
	if err := e.validateStrategy(cfg); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	var changes []fieldChange
	track := func(field, before, after string) {
		if before != after {
			changes = append(changes, fieldChange{field: field, before: before, after: after})
		}
	}
	track("handler", s.Handler, cfg.Handler)
	track("max_gas_limit", fmt.Sprint(s.MaxGasLimit), fmt.Sprint(cfg.MaxGasLimit))
	track("max_slippage_bps", fmt.Sprint(s.MaxSlippageBps), fmt.Sprint(cfg.MaxSlippageBps))
	track("cooldown", s.Cooldown.String(), cfg.Cooldown.String())

	if len(changes) > 0 {
		s.Handler = cfg.Handler
		s.MaxGasLimit = cfg.MaxGasLimit
		s.MaxSlippageBps = cfg.MaxSlippageBps
		s.Cooldown = cfg.Cooldown
		s.UpdatedAt = e.clock()
	}
	out := *s
	e.mu.Unlock()

	for _, c := range changes {
		e.audit.Record(ctx, actor, domain.EntityStrategy, id, domain.AuditUpdate, c.field, c.before, c.after)
	}
	return &out, nil
}

// DeactivateStrategy выключает стратегию. Стратегии не удаляются.
func (e *Engine) DeactivateStrategy(ctx context.Context, actor, id string) error {
	if err := e.authz.Require(actor, access.CapStrategyManager); err != nil {
		return err
	}

	e.mu.Lock()
	s, ok := e.strategies[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownStrategy, id)
	}
	if !s.Active {
		e.mu.Unlock()
		return nil
	}
	s.Active = false
	s.UpdatedAt = e.clock()
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityStrategy, id, domain.AuditDeactivate, "active", "true", "false")
	return nil
}

func (e *Engine) validateStrategy(cfg StrategyConfig) error {
	switch {
	case strings.TrimSpace(cfg.ID) == "":
		return fmt.Errorf("%w: strategy id is required", domain.ErrInvalidConfig)
	case cfg.MaxGasLimit == 0 || cfg.MaxGasLimit > domain.MaxGasLimit:
		return fmt.Errorf("%w: max gas limit %d outside (0, %d]", domain.ErrInvalidConfig, cfg.MaxGasLimit, domain.MaxGasLimit)
	case cfg.MaxSlippageBps > domain.MaxSlippageBps:
		return fmt.Errorf("%w: max slippage %d bps > %d", domain.ErrInvalidConfig, cfg.MaxSlippageBps, domain.MaxSlippageBps)
	case cfg.Cooldown < domain.MinCooldown:
		return fmt.Errorf("%w: cooldown %s < %s", domain.ErrInvalidConfig, cfg.Cooldown, domain.MinCooldown)
	}
	if _, ok := e.handlers.Get(cfg.Handler); !ok {
		return fmt.Errorf("%w: unknown handler %q", domain.ErrInvalidConfig, cfg.Handler)
	}
	return nil
}

// ExecuteStrategy исполняет запрос под политикой стратегии.
// Ошибка handler не является ошибкой движка: она записывается в неуспешный ExecutionResult.
func (e *Engine) ExecuteStrategy(ctx context.Context, actor string, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	if parent, nested := inDispatch(ctx); nested {
		return nil, fmt.Errorf("%w: called from handler of %s", domain.ErrReentrantCall, parent)
	}
	if err := e.authz.Require(actor, access.CapExecutor); err != nil {
		return nil, err
	}
	now := e.clock()

	e.mu.Lock()
	if e.kill.IsActive() {
		reason := e.kill.Status().Reason
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrEmergencyPaused, reason)
	}
	s, ok := e.strategies[req.StrategyID]
	if !ok || !s.Active {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStrategy, req.StrategyID)
	}
	if !security.CooldownElapsed(s.LastExecution, s.Cooldown, now) {
		remaining := security.CooldownRemaining(s.LastExecution, s.Cooldown, now)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: strategy %s available in %s", domain.ErrCooldownActive, s.ID, remaining)
	}
	if err := validateRequest(req, now); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	// один dispatch на движок, в том числе для вызовов из handler с чужим ctx
	if e.dispatching != "" {
		parent := e.dispatching
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: dispatch of %s in progress", domain.ErrReentrantCall, parent)
	}

	e.sequence++
	req.Sequence = e.sequence
	req.ID = RequestID(req.Requester, req.StrategyID, now, req.Sequence)
	req.CreatedAt = now
	req.Params = append([]byte(nil), req.Params...)
	stored := req
	e.requests[req.ID] = &stored
	e.byUser[req.Requester] = append(e.byUser[req.Requester], req.ID)
	s.LastExecution = now

	snapshot := *s
	handler, _ := e.handlers.Get(s.Handler)
	dctx, cancel := context.WithCancel(ctx)
	e.inflight[req.ID] = cancel
	e.dispatching = req.ID
	recorder := e.recorder
	e.mu.Unlock()
	defer cancel()

	if recorder != nil {
		if err := recorder.RecordRequest(ctx, req); err != nil {
			e.logger.Warn("failed to record request %s: %v", req.ID, err)
		}
	}
	e.audit.Record(ctx, actor, domain.EntityExecution, req.ID, domain.AuditExecute, "strategy", "", req.StrategyID)

	outcome, runErr := e.executor.Run(dctx, handler, strategy.Invocation{
		Request:  req,
		Strategy: snapshot,
		Meter:    strategy.NewMeter(snapshot.MaxGasLimit),
	})
	result := e.buildResult(req, snapshot, outcome, runErr)

	return e.commitResult(ctx, req, snapshot, result)
}

func (e *Engine) buildResult(req domain.ExecutionRequest, s domain.Strategy, out strategy.Outcome, runErr error) domain.ExecutionResult {
	res := domain.ExecutionResult{
		RequestID:   req.ID,
		GasUsed:     out.GasUsed,
		CompletedAt: e.clock(),
	}
	// slippage считается по любому fill, в том числе отклоненному
	res.ActualSlippageBps = e.guard.Measure(out.ExpectedOut, out.ActualOut)
	switch {
	case runErr != nil:
		res.Error = fmt.Sprintf("%s: %v", domain.ErrExecutionFailure, runErr)
	case out.GasUsed > s.MaxGasLimit:
		res.Error = fmt.Sprintf("%s: %v: used %d of %d", domain.ErrExecutionFailure,
			strategy.ErrBudgetExceeded, out.GasUsed, s.MaxGasLimit)
	default:
		res.Success = true
		res.ReturnData = append([]byte(nil), out.ReturnData...)
	}
	return res
}

// commitResult записывает результат один раз. Если CancelExecution уже записал результат, он остается.
func (e *Engine) commitResult(ctx context.Context, req domain.ExecutionRequest, s domain.Strategy, res domain.ExecutionResult) (*domain.ExecutionResult, error) {
	e.mu.Lock()
	delete(e.inflight, req.ID)
	if e.dispatching == req.ID {
		e.dispatching = ""
	}
	if existing, ok := e.results[req.ID]; ok {
		out := cloneResult(existing)
		e.mu.Unlock()
		e.logger.Warn("request %s already finalized (%s), discarding handler outcome success=%v",
			req.ID, existing.Error, res.Success)
		return &out, nil
	}
	stored := cloneResult(&res)
	e.results[req.ID] = &stored
	recorder := e.recorder
	listeners := append([]SlippageListener(nil), e.listeners...)
	e.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordResult(ctx, res); err != nil {
			e.logger.Warn("failed to record result %s: %v", req.ID, err)
		}
	}

	if res.Success {
		e.logger.Info("request %s on %s completed: gas=%d slippage=%dbps", req.ID, s.ID, res.GasUsed, res.ActualSlippageBps)
	} else {
		e.audit.Record(ctx, domain.ActorSystem, domain.EntityExecution, req.ID, domain.AuditExecute, "error", "", res.Error)
		e.logger.Warn("request %s on %s failed: %s", req.ID, s.ID, res.Error)
	}

	if e.guard.Exceeded(res.ActualSlippageBps, s.MaxSlippageBps) {
		e.audit.Record(ctx, domain.ActorSystem, domain.EntityExecution, req.ID, domain.AuditSlippageExceeded,
			"actual_slippage_bps", fmt.Sprint(s.MaxSlippageBps), fmt.Sprint(res.ActualSlippageBps))
		e.logger.Warn("slippage exceeded on %s: %s", req.ID, e.guard.Describe(res.ActualSlippageBps, s.MaxSlippageBps))
		event := SlippageEvent{Request: req, Result: res, CeilingBps: s.MaxSlippageBps, ActualBps: res.ActualSlippageBps}
		for _, l := range listeners {
			l(ctx, event)
		}
	}
	return &res, nil
}

// CancelExecution отменяет ожидающий запрос. Только requester.
func (e *Engine) CancelExecution(ctx context.Context, actor, requestID, reason string) error {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRequest, requestID)
	}
	if req.Requester != actor {
		e.mu.Unlock()
		return fmt.Errorf("%w: only the requester can cancel %s", domain.ErrNotAuthorized, requestID)
	}
	if _, done := e.results[requestID]; done {
		e.mu.Unlock()
		return fmt.Errorf("%w: request %s is not pending", domain.ErrInvalidRequest, requestID)
	}
	res := domain.ExecutionResult{
		RequestID:   requestID,
		CompletedAt: e.clock(),
		Error:       "cancelled: " + reason,
	}
	stored := res
	e.results[requestID] = &stored
	cancel := e.inflight[requestID]
	recorder := e.recorder
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if recorder != nil {
		if err := recorder.RecordResult(ctx, res); err != nil {
			e.logger.Warn("failed to record cancellation %s: %v", requestID, err)
		}
	}
	e.audit.Record(ctx, actor, domain.EntityExecution, requestID, domain.AuditCancel, "reason", "", reason)
	return nil
}

// EmergencyPause глобальная остановка исполнения (admin)
func (e *Engine) EmergencyPause(ctx context.Context, actor, reason string) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}
	e.kill.Activate(actor, reason, e.clock())
	e.audit.Record(ctx, actor, domain.EntityEngine, "execution", domain.AuditEmergencyPause, "reason", "", reason)
	return nil
}

// ResumeExecutions снимает аварийную паузу (admin)
func (e *Engine) ResumeExecutions(ctx context.Context, actor string) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}
	if e.kill.Deactivate(actor) {
		e.audit.Record(ctx, actor, domain.EntityEngine, "execution", domain.AuditResume, "", "", "")
	}
	return nil
}

// IsPaused true при активном kill switch
func (e *Engine) IsPaused() bool {
	return e.kill.IsActive()
}

// PauseStatus состояние kill switch
func (e *Engine) PauseStatus() PauseStatus {
	return e.kill.Status()
}

// GetStrategies стратегии в порядке регистрации
func (e *Engine) GetStrategies() []domain.Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(e.strategyOrder))
	for _, id := range e.strategyOrder {
		out = append(out, *e.strategies[id])
	}
	return out
}

// GetStrategy возвращает копию стратегии
func (e *Engine) GetStrategy(id string) (*domain.Strategy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStrategy, id)
	}
	out := *s
	return &out, nil
}

// GetRequest возвращает копию запроса
func (e *Engine) GetRequest(id string) (*domain.ExecutionRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRequest, id)
	}
	out := cloneRequest(r)
	return &out, nil
}

// GetResult результат запроса; false пока запрос не завершен
func (e *Engine) GetResult(id string) (*domain.ExecutionResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.results[id]
	if !ok {
		return nil, false
	}
	out := cloneResult(r)
	return &out, true
}

// GetExecutionStatus PENDING, COMPLETED или FAILED
func (e *Engine) GetExecutionStatus(id string) (domain.ExecutionStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.requests[id]; !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownRequest, id)
	}
	r, ok := e.results[id]
	switch {
	case !ok:
		return domain.StatusPending, nil
	case r.Success:
		return domain.StatusCompleted, nil
	default:
		return domain.StatusFailed, nil
	}
}

// GetUserExecutions запросы пользователя, новые первыми. limit <= 0 - все.
func (e *Engine) GetUserExecutions(user string, limit int) []domain.ExecutionRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.byUser[user]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.ExecutionRequest, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneRequest(e.requests[ids[i]]))
	}
	return out
}

func validateRequest(req domain.ExecutionRequest, now time.Time) error {
	switch {
	case strings.TrimSpace(req.Requester) == "":
		return fmt.Errorf("%w: requester is required", domain.ErrInvalidRequest)
	case len(req.Params) == 0:
		return fmt.Errorf("%w: params are required", domain.ErrInvalidRequest)
	case !json.Valid(req.Params):
		return fmt.Errorf("%w: params must be JSON", domain.ErrInvalidRequest)
	}
	if err := security.CheckSlippage(req.MaxSlippageBps, domain.MaxSlippageBps); err != nil {
		return err
	}
	return security.ValidateDeadline(req.Deadline, now)
}

// RequestID hex(SHA256(requester|strategy|unixnano|sequence))
func RequestID(requester, strategyID string, at time.Time, sequence uint64) string {
	data := fmt.Sprintf("%s|%s|%d|%d", requester, strategyID, at.UnixNano(), sequence)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

type fieldChange struct {
	field         string
	before, after string
}

func cloneRequest(r *domain.ExecutionRequest) domain.ExecutionRequest {
	out := *r
	out.Params = append([]byte(nil), r.Params...)
	return out
}

func cloneResult(r *domain.ExecutionResult) domain.ExecutionResult {
	out := *r
	out.ReturnData = append([]byte(nil), r.ReturnData...)
	return out
}

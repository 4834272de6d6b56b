// Package orchestrator PortfolioAgent: проводит рекомендации через разрешения, голосование и исполнение.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/market"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/permission"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/voting"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// Mode режим работы orchestrator
type Mode string

const (
	ModeShadow Mode = "shadow" // проверяет, но не исполняет
	ModePilot  Mode = "pilot"  // исполнение с консервативными лимитами
	ModeFull   Mode = "full"   // полная автономия
)

// ParseMode разбирает режим из конфигурации
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeShadow, ModePilot, ModeFull:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidConfig, s)
}

// DefaultInterval период цикла по умолчанию
const DefaultInterval = time.Minute

const maxHistory = 1_000

// BalanceLedger внешний учет балансов. Запрашивается до любых мутаций.
type BalanceLedger interface {
	Balance(ctx context.Context, user, token string) (decimal.Decimal, error)
}

// RecommendationSource внешний генератор рекомендаций
type RecommendationSource interface {
	Next(ctx context.Context) ([]Recommendation, error)
}

// Recommendation предложенное действие от off-chain аналитики
type Recommendation struct {
	ActionType     domain.ActionType `json:"action_type"`
	StrategyID     string            `json:"strategy_id"`
	Params         json.RawMessage   `json:"params"`
	Requester      string            `json:"requester"`
	Token          string            `json:"token,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Confidence     uint32            `json:"confidence"` // bps
	RiskScore      uint8             `json:"risk_score"`
	MaxSlippageBps uint32            `json:"max_slippage_bps"`
	Deadline       time.Time         `json:"deadline"`
	PortfolioValue decimal.Decimal   `json:"portfolio_value"`
}

// Validate проверка формы рекомендации
func (r Recommendation) Validate() error {
	switch {
	case !r.ActionType.Valid():
		return fmt.Errorf("%w: unknown action type %q", domain.ErrInvalidRequest, r.ActionType)
	case strings.TrimSpace(r.Requester) == "":
		return fmt.Errorf("%w: requester is required", domain.ErrInvalidRequest)
	case strings.TrimSpace(r.StrategyID) == "":
		return fmt.Errorf("%w: strategy is required", domain.ErrInvalidRequest)
	case r.Amount.Sign() < 0:
		return fmt.Errorf("%w: negative amount", domain.ErrInvalidRequest)
	}
	return nil
}

// Outcome итог обработки рекомендации
type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"
	OutcomeShadow       Outcome = "shadow"
	OutcomeAwaitingVote Outcome = "awaiting_vote"
	OutcomeExecuted     Outcome = "executed"
	OutcomeFailed       Outcome = "failed"
)

// Decision запись о решении по рекомендации
type Decision struct {
	Recommendation Recommendation          `json:"recommendation"`
	Outcome        Outcome                 `json:"outcome"`
	Mode           Mode                    `json:"mode"`
	PermissionID   string                  `json:"permission_id,omitempty"`
	VoteID         uint64                  `json:"vote_id,omitempty"`
	Result         *domain.ExecutionResult `json:"result,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	DecidedAt      time.Time               `json:"decided_at"`
}

type held struct {
	rec          Recommendation
	permissionID string
}

// Config конфигурация orchestrator
type Config struct {
	Mode     Mode
	Interval time.Duration
	Actor    string // идентификатор агента: executor + escalator
}

// Orchestrator координатор PermissionManager, VotingEngine и ExecutionEngine
type Orchestrator struct {
	mu        sync.RWMutex
	mode      Mode
	pending   map[uint64]held
	decisions []Decision

	cfg         Config
	permissions *permission.Manager
	votes       *voting.Engine
	executor    *execution.Engine
	feed        *market.Feed
	ledger      BalanceLedger
	source      RecommendationSource
	audit       *audit.Log
	clock       func() time.Time
	logger      *utils.Logger

	stopChan  chan struct{}
	done      sync.WaitGroup
	isRunning bool
}

// New создает orchestrator и подписывается на финализацию голосований
func New(cfg Config, permissions *permission.Manager, votes *voting.Engine, executor *execution.Engine, auditLog *audit.Log, logger *utils.Logger) *Orchestrator {
	if cfg.Mode == "" {
		cfg.Mode = ModeShadow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if auditLog == nil {
		auditLog = audit.NewLog(logger)
	}
	o := &Orchestrator{
		mode:        cfg.Mode,
		pending:     make(map[uint64]held),
		cfg:         cfg,
		permissions: permissions,
		votes:       votes,
		executor:    executor,
		audit:       auditLog,
		clock:       time.Now,
		logger:      logger.Named("orchestrator"),
	}
	votes.OnResolved(o.handleVoteResolved)
	return o
}

// WithClock подменяет часы
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// SetFeed подключает источник рыночных снимков
func (o *Orchestrator) SetFeed(feed *market.Feed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feed = feed
}

// SetBalanceLedger подключает учет балансов
func (o *Orchestrator) SetBalanceLedger(l BalanceLedger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ledger = l
}

// SetSource подключает генератор рекомендаций
func (o *Orchestrator) SetSource(s RecommendationSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.source = s
}

// Submit проводит рекомендацию: разрешение, режим, баланс, голосование или исполнение.
// Отказ политики возвращается как Decision, error только для некорректного ввода и сбоев collaborators.
func (o *Orchestrator) Submit(ctx context.Context, rec Recommendation) (*Decision, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := o.clock()

	o.mu.RLock()
	mode, ledger := o.mode, o.ledger
	o.mu.RUnlock()

	d := Decision{Recommendation: rec, Mode: mode, DecidedAt: now}

	perm, ok := o.permissions.CheckPermission(ctx, o.query(rec, now))
	if !ok {
		return o.reject(d, "no matching permission for %s %s", rec.ActionType, rec.Amount), nil
	}
	d.PermissionID = perm.ID

	if mode == ModePilot && perm.MaxAmount.Sign() > 0 {
		limit := perm.MaxAmount.Div(decimal.NewFromInt(2))
		if rec.Amount.GreaterThan(limit) {
			return o.reject(d, "pilot mode limit: %s > %s", rec.Amount, limit), nil
		}
	}

	if ledger != nil && rec.Amount.Sign() > 0 {
		balance, err := ledger.Balance(ctx, rec.Requester, rec.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance of %s %s: %w", rec.Requester, rec.Token, err)
		}
		if balance.LessThan(rec.Amount) {
			return o.reject(d, "%v: %s %s < %s", domain.ErrInsufficientBalance, rec.Token, balance, rec.Amount), nil
		}
	}

	if mode == ModeShadow {
		d.Outcome = OutcomeShadow
		o.logger.Info("shadow mode: would execute %s on %s for %s", rec.ActionType, rec.StrategyID, rec.Requester)
		o.remember(d)
		return &d, nil
	}

	if perm.RequiresVoting {
		voteID, err := o.openVote(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("failed to open vote for %s: %w", rec.ActionType, err)
		}
		o.mu.Lock()
		o.pending[voteID] = held{rec: rec, permissionID: perm.ID}
		o.mu.Unlock()

		d.Outcome = OutcomeAwaitingVote
		d.VoteID = voteID
		o.logger.Info("recommendation %s for %s held until vote %d resolves", rec.ActionType, rec.Requester, voteID)
		o.remember(d)
		return &d, nil
	}

	o.execute(ctx, &d, perm.ID)
	return &d, nil
}

func (o *Orchestrator) query(rec Recommendation, at time.Time) permission.Query {
	amount := rec.Amount
	confidence := rec.Confidence
	risk := rec.RiskScore
	q := permission.Query{
		User:       rec.Requester,
		Action:     rec.ActionType,
		Token:      rec.Token,
		Amount:     &amount,
		Confidence: &confidence,
		RiskScore:  &risk,
		At:         at,
	}
	if rec.PortfolioValue.Sign() > 0 {
		pv := rec.PortfolioValue
		q.PortfolioValue = &pv
	}
	return q
}

func (o *Orchestrator) openVote(ctx context.Context, rec Recommendation) (uint64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode recommendation: %w", err)
	}
	description := fmt.Sprintf("%s %s %s for %s via %s", rec.ActionType, rec.Amount, rec.Token, rec.Requester, rec.StrategyID)
	return o.votes.OpenSystemVote(ctx, o.cfg.Actor, description, rec.ActionType, payload)
}

// execute отправляет рекомендацию в ExecutionEngine и отмечает использование разрешения
func (o *Orchestrator) execute(ctx context.Context, d *Decision, permissionID string) {
	rec := d.Recommendation
	res, err := o.executor.ExecuteStrategy(ctx, o.cfg.Actor, domain.ExecutionRequest{
		Requester:      rec.Requester,
		StrategyID:     rec.StrategyID,
		Params:         rec.Params,
		MaxSlippageBps: rec.MaxSlippageBps,
		Deadline:       rec.Deadline,
	})
	if err != nil {
		d.Outcome = OutcomeFailed
		d.Reason = err.Error()
		o.logger.Warn("execution of %s on %s rejected: %v", rec.ActionType, rec.StrategyID, err)
		o.remember(*d)
		return
	}

	d.Result = res
	if res.Success {
		d.Outcome = OutcomeExecuted
		o.logger.Info("executed %s on %s for %s: request %s", rec.ActionType, rec.StrategyID, rec.Requester, res.RequestID)
	} else {
		d.Outcome = OutcomeFailed
		d.Reason = res.Error
		o.logger.Warn("execution %s failed: %s", res.RequestID, res.Error)
	}
	if err := o.permissions.RecordUse(ctx, permissionID, d.DecidedAt); err != nil {
		o.logger.Warn("failed to record use of permission %s: %v", permissionID, err)
	}
	o.remember(*d)
}

// handleVoteResolved исполняет удержанную рекомендацию после принятого голосования
func (o *Orchestrator) handleVoteResolved(ctx context.Context, vote domain.Vote, result domain.VoteResult) {
	o.mu.Lock()
	h, ok := o.pending[vote.ID]
	if ok {
		delete(o.pending, vote.ID)
	}
	mode := o.mode
	o.mu.Unlock()
	if !ok {
		return
	}

	now := o.clock()
	d := Decision{Recommendation: h.rec, Mode: mode, VoteID: vote.ID, PermissionID: h.permissionID, DecidedAt: now}

	if result.Status != domain.VotePassed {
		o.audit.Record(ctx, o.cfg.Actor, domain.EntityVote, fmt.Sprint(vote.ID), domain.AuditDropped,
			"status", "", string(result.Status))
		o.reject(d, "vote %d %s", vote.ID, result.Status)
		return
	}
	if mode == ModeShadow {
		d.Outcome = OutcomeShadow
		o.remember(d)
		return
	}

	perm, ok := o.permissions.CheckPermission(ctx, o.query(h.rec, now))
	if !ok || perm.ID != h.permissionID {
		o.audit.Record(ctx, o.cfg.Actor, domain.EntityVote, fmt.Sprint(vote.ID), domain.AuditDropped,
			"permission", h.permissionID, "")
		o.reject(d, "permission %s no longer covers the action", h.permissionID)
		return
	}
	o.execute(ctx, &d, perm.ID)
}

func (o *Orchestrator) reject(d Decision, format string, args ...interface{}) *Decision {
	d.Outcome = OutcomeRejected
	d.Reason = fmt.Sprintf(format, args...)
	o.logger.Info("recommendation %s for %s rejected: %s", d.Recommendation.ActionType, d.Recommendation.Requester, d.Reason)
	o.remember(d)
	return &d
}

func (o *Orchestrator) remember(d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
	if len(o.decisions) > maxHistory {
		o.decisions = o.decisions[len(o.decisions)-maxHistory:]
	}
}

// Decisions последние решения, новые первыми. limit <= 0 - все.
func (o *Orchestrator) Decisions(limit int) []Decision {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.decisions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, 0, n)
	for i := len(o.decisions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, o.decisions[i])
	}
	return out
}

// PendingVotes голосования, по которым удерживаются рекомендации
func (o *Orchestrator) PendingVotes() []uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]uint64, 0, len(o.pending))
	for id := range o.pending {
		out = append(out, id)
	}
	return out
}

// Tick один цикл: снимок рынка, conditional rules, истекшие голосования, новые рекомендации
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.RLock()
	feed, source := o.feed, o.source
	o.mu.RUnlock()

	var errs []error
	if feed != nil {
		snapshot, err := feed.Snapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("market snapshot: %w", err))
		} else {
			firings, err := o.permissions.EvaluateConditions(ctx, snapshot)
			if err != nil {
				errs = append(errs, fmt.Errorf("evaluate conditions: %w", err))
			}
			for _, f := range firings {
				o.logger.Warn("rule %s fired: %s=%.4f revoked=%d vote=%d", f.RuleID, f.Metric, f.Value, len(f.Revoked), f.VoteID)
			}
		}
	}

	if results, err := o.votes.ResolveExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resolve votes: %w", err))
	} else if len(results) > 0 {
		o.logger.Info("resolved %d expired votes", len(results))
	}

	if source != nil {
		recs, err := source.Next(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("recommendation source: %w", err))
		}
		for _, rec := range recs {
			if _, err := o.Submit(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("submit %s for %s: %w", rec.ActionType, rec.Requester, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Start запускает orchestrator
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.isRunning {
		return fmt.Errorf("orchestrator already running")
	}
	o.isRunning = true
	o.stopChan = make(chan struct{})
	o.logger.Info("orchestrator started in %s mode (interval: %v)", o.mode, o.cfg.Interval)

	o.done.Add(1)
	go o.run(ctx, o.stopChan)
	return nil
}

// Stop останавливает orchestrator и ждет завершения цикла
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.logger.Info("stopping orchestrator...")
	close(o.stopChan)
	o.isRunning = false
	o.mu.Unlock()

	o.done.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) run(ctx context.Context, stop <-chan struct{}) {
	defer o.done.Done()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	// первый цикл сразу после старта
	if err := o.Tick(ctx); err != nil {
		o.logger.Error("initial cycle error: %v", err)
	}
	for {
		select {
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Error("cycle error: %v", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SetMode изменяет режим работы
func (o *Orchestrator) SetMode(mode Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger.Info("switching mode: %s -> %s", o.mode, mode)
	o.mode = mode
}

// GetMode возвращает текущий режим
func (o *Orchestrator) GetMode() Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// IsRunning проверяет запущен ли orchestrator
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isRunning
}

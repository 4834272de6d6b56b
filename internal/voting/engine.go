// Package voting реализует голосование сообщества: предложения, голоса, кворум и делегирование voting power.
package voting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/security"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// Config параметры governance
type Config struct {
	QuorumBps       uint32
	SupportBps      uint32
	MinDuration     time.Duration
	MaxDuration     time.Duration
	DefaultDuration time.Duration
}

// DefaultConfig кворум 30%, поддержка 50%, голосование от часа до 30 дней
func DefaultConfig() Config {
	return Config{
		QuorumBps:       3_000,
		SupportBps:      5_000,
		MinDuration:     time.Hour,
		MaxDuration:     30 * 24 * time.Hour,
		DefaultDuration: 72 * time.Hour,
	}
}

// Validate проверяет границы конфигурации
func (c Config) Validate() error {
	switch {
	case c.QuorumBps > domain.BpsDenominator:
		return fmt.Errorf("%w: quorum %d bps > %d", domain.ErrInvalidConfig, c.QuorumBps, domain.BpsDenominator)
	case c.SupportBps > domain.BpsDenominator:
		return fmt.Errorf("%w: support %d bps > %d", domain.ErrInvalidConfig, c.SupportBps, domain.BpsDenominator)
	case c.MinDuration <= 0 || c.MaxDuration < c.MinDuration:
		return fmt.Errorf("%w: vote duration bounds [%s, %s]", domain.ErrInvalidConfig, c.MinDuration, c.MaxDuration)
	case c.DefaultDuration < c.MinDuration || c.DefaultDuration > c.MaxDuration:
		return fmt.Errorf("%w: default duration %s outside bounds", domain.ErrInvalidConfig, c.DefaultDuration)
	}
	return nil
}

// ResolutionHandler вызывается после финализации голосования (PASSED, FAILED или CANCELLED)
type ResolutionHandler func(ctx context.Context, vote domain.Vote, result domain.VoteResult)

type voteState struct {
	vote    domain.Vote
	ballots map[string]domain.Ballot
	forPow  uint64
	against uint64
}

type delegationKey struct {
	from, to string
}

// Engine движок голосования. Все мутации под одним write lock.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	votes  map[uint64]*voteState
	order  []uint64
	nextID uint64

	base         map[string]uint64
	delegatedOut map[string]uint64
	delegatedIn  map[string]uint64
	delegations  map[delegationKey]uint64
	totalPower   uint64

	paused      bool
	pauseReason string
	handlers    []ResolutionHandler

	authz  *access.Authorizer
	audit  *audit.Log
	clock  func() time.Time
	logger *utils.Logger
}

// NewEngine создает движок голосования
func NewEngine(cfg Config, authz *access.Authorizer, auditLog *audit.Log, logger *utils.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
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
	return &Engine{
		cfg:          cfg,
		votes:        make(map[uint64]*voteState),
		base:         make(map[string]uint64),
		delegatedOut: make(map[string]uint64),
		delegatedIn:  make(map[string]uint64),
		delegations:  make(map[delegationKey]uint64),
		authz:        authz,
		audit:        auditLog,
		clock:        time.Now,
		logger:       logger.Named("voting"),
	}, nil
}

// WithClock подменяет часы
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// OnResolved регистрирует callback финализации
func (e *Engine) OnResolved(h ResolutionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// SetVotingPower устанавливает базовый power пользователя (снимок баланса токенов)
func (e *Engine) SetVotingPower(ctx context.Context, actor, user string, amount uint64) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}
	if user == "" {
		return fmt.Errorf("%w: empty user", domain.ErrInvalidRequest)
	}

	e.mu.Lock()
	if amount < e.delegatedOut[user] {
		out := e.delegatedOut[user]
		e.mu.Unlock()
		return fmt.Errorf("%w: %s has %d delegated out", domain.ErrInsufficientPower, user, out)
	}
	old := e.base[user]
	e.totalPower = e.totalPower - old + amount
	if amount == 0 {
		delete(e.base, user)
	} else {
		e.base[user] = amount
	}
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityDelegation, user, domain.AuditSetPower, "base_power",
		fmt.Sprint(old), fmt.Sprint(amount))
	return nil
}

// CreateVote открывает голосование. Proposer должен иметь voting power.
func (e *Engine) CreateVote(ctx context.Context, proposer, description string, action domain.ActionType, payload []byte, duration time.Duration) (*domain.Vote, error) {
	if proposer == "" {
		return nil, fmt.Errorf("%w: empty proposer", domain.ErrNotAuthorized)
	}

	e.mu.Lock()
	if e.paused {
		reason := e.pauseReason
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrEmergencyPaused, reason)
	}
	if e.powerLocked(proposer) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has no voting power", domain.ErrNotAuthorized, proposer)
	}
	v, err := e.openLocked(proposer, description, action, payload, duration)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.audit.Record(ctx, proposer, domain.EntityVote, fmt.Sprint(v.ID), domain.AuditCreate, "description", "", v.Description)
	e.logger.Info("vote %d created by %s, deadline %s", v.ID, proposer, v.Deadline.Format(time.RFC3339))
	return v, nil
}

// OpenSystemVote открывает голосование от имени системного компонента (capability escalator)
func (e *Engine) OpenSystemVote(ctx context.Context, actor, description string, action domain.ActionType, payload []byte) (uint64, error) {
	if err := e.authz.Require(actor, access.CapEscalator); err != nil {
		return 0, err
	}

	e.mu.Lock()
	v, err := e.openLocked(actor, description, action, payload, 0)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.audit.Record(ctx, actor, domain.EntityVote, fmt.Sprint(v.ID), domain.AuditCreate, "description", "", v.Description)
	e.logger.Info("system vote %d opened by %s", v.ID, actor)
	return v.ID, nil
}

func (e *Engine) openLocked(proposer, description string, action domain.ActionType, payload []byte, duration time.Duration) (*domain.Vote, error) {
	if e.paused {
		return nil, fmt.Errorf("%w: %s", domain.ErrEmergencyPaused, e.pauseReason)
	}
	if description == "" {
		return nil, fmt.Errorf("%w: empty description", domain.ErrInvalidRequest)
	}
	if action != "" && !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, action)
	}
	if duration == 0 {
		duration = e.cfg.DefaultDuration
	}
	if duration < e.cfg.MinDuration || duration > e.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: duration %s outside [%s, %s]", domain.ErrInvalidRequest,
			duration, e.cfg.MinDuration, e.cfg.MaxDuration)
	}

	now := e.clock()
	e.nextID++
	st := &voteState{
		vote: domain.Vote{
			ID:          e.nextID,
			Proposer:    proposer,
			Description: description,
			ActionType:  action,
			Payload:     append([]byte(nil), payload...),
			CreatedAt:   now,
			Deadline:    now.Add(duration),
			Status:      domain.VoteOpen,
		},
		ballots: make(map[string]domain.Ballot),
	}
	e.votes[st.vote.ID] = st
	e.order = append(e.order, st.vote.ID)
	v := cloneVote(st.vote)
	return &v, nil
}

// CastVote голос за или против. Проверка и запись атомарны.
func (e *Engine) CastVote(ctx context.Context, voter string, voteID uint64, support bool, reason string) error {
	now := e.clock()

	e.mu.Lock()
	if e.paused {
		reason := e.pauseReason
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrEmergencyPaused, reason)
	}
	st, ok := e.votes[voteID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: vote %d is unknown", domain.ErrInvalidVote, voteID)
	}
	if st.vote.Status != domain.VoteOpen || !now.Before(st.vote.Deadline) {
		e.mu.Unlock()
		return fmt.Errorf("%w: vote %d is closed", domain.ErrInvalidVote, voteID)
	}
	if _, voted := st.ballots[voter]; voted {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s on vote %d", domain.ErrAlreadyVoted, voter, voteID)
	}
	power := e.powerLocked(voter)
	if power == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s has no voting power", domain.ErrInsufficientPower, voter)
	}
	st.ballots[voter] = domain.Ballot{Voter: voter, Support: support, Power: power, Reason: reason, CastAt: now}
	if support {
		st.forPow += power
	} else {
		st.against += power
	}
	e.mu.Unlock()

	side := "against"
	if support {
		side = "for"
	}
	e.audit.Record(ctx, voter, domain.EntityVote, fmt.Sprint(voteID), domain.AuditCast, side, "", fmt.Sprint(power))
	return nil
}

// CancelVote отменяет голосование. Только proposer, только пока оно открыто.
func (e *Engine) CancelVote(ctx context.Context, actor string, voteID uint64, reason string) error {
	now := e.clock()

	e.mu.Lock()
	st, ok := e.votes[voteID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", domain.ErrUnknownVote, voteID)
	}
	if st.vote.Proposer != actor {
		e.mu.Unlock()
		return fmt.Errorf("%w: only the proposer can cancel vote %d", domain.ErrNotAuthorized, voteID)
	}
	if st.vote.Status != domain.VoteOpen || !now.Before(st.vote.Deadline) {
		e.mu.Unlock()
		return fmt.Errorf("%w: vote %d is not open", domain.ErrInvalidVote, voteID)
	}
	st.vote.Status = domain.VoteCancelled
	st.vote.Cancelled = true
	st.vote.CancelReason = reason
	vote, result, handlers := cloneVote(st.vote), e.tallyLocked(st), e.handlersLocked()
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityVote, fmt.Sprint(voteID), domain.AuditCancel, "status",
		string(domain.VoteOpen), string(domain.VoteCancelled))
	e.notify(ctx, handlers, vote, result)
	return nil
}

// ResolveVote финализирует голосование после deadline
func (e *Engine) ResolveVote(ctx context.Context, voteID uint64) (*domain.VoteResult, error) {
	now := e.clock()

	e.mu.Lock()
	st, ok := e.votes[voteID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownVote, voteID)
	}
	if st.vote.Status != domain.VoteOpen {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: vote %d already %s", domain.ErrInvalidVote, voteID, st.vote.Status)
	}
	if now.Before(st.vote.Deadline) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: vote %d is still running until %s", domain.ErrInvalidVote,
			voteID, st.vote.Deadline.Format(time.RFC3339))
	}
	result := e.tallyLocked(st)
	if result.QuorumReached && result.SupportReached {
		st.vote.Status = domain.VotePassed
	} else {
		st.vote.Status = domain.VoteFailed
	}
	st.vote.Resolved = true
	result.Status = st.vote.Status
	vote, handlers := cloneVote(st.vote), e.handlersLocked()
	e.mu.Unlock()

	e.audit.Record(ctx, domain.ActorSystem, domain.EntityVote, fmt.Sprint(voteID), domain.AuditResolve, "status",
		string(domain.VoteOpen), string(result.Status))
	e.logger.Info("vote %d resolved %s: for=%d against=%d total=%d", voteID, result.Status,
		result.ForVotes, result.AgainstVotes, result.TotalPower)
	e.notify(ctx, handlers, vote, result)
	return &result, nil
}

// ResolveExpired финализирует все открытые голосования с истекшим deadline
func (e *Engine) ResolveExpired(ctx context.Context) ([]domain.VoteResult, error) {
	now := e.clock()

	e.mu.RLock()
	var due []uint64
	for _, id := range e.order {
		st := e.votes[id]
		if st.vote.Status == domain.VoteOpen && !now.Before(st.vote.Deadline) {
			due = append(due, id)
		}
	}
	e.mu.RUnlock()

	results := make([]domain.VoteResult, 0, len(due))
	for _, id := range due {
		r, err := e.ResolveVote(ctx, id)
		if err != nil {
			// уже финализировано конкурентным вызовом
			e.logger.Debug("skip resolving vote %d: %v", id, err)
			continue
		}
		results = append(results, *r)
	}
	return results, nil
}

// tallyLocked: quorum - participating >= quorum*total, support - for >= support*(for+against).
// Нулевое участие не проходит.
func (e *Engine) tallyLocked(st *voteState) domain.VoteResult {
	participating := st.forPow + st.against
	r := domain.VoteResult{
		VoteID:       st.vote.ID,
		ForVotes:     st.forPow,
		AgainstVotes: st.against,
		TotalVotes:   participating,
		TotalPower:   e.totalPower,
		Status:       st.vote.Status,
	}
	if participating == 0 {
		return r
	}
	r.QuorumReached = security.MeetsFraction(participating, e.totalPower, e.cfg.QuorumBps)
	r.SupportReached = security.MeetsFraction(st.forPow, participating, e.cfg.SupportBps)
	return r
}

func (e *Engine) handlersLocked() []ResolutionHandler {
	out := make([]ResolutionHandler, len(e.handlers))
	copy(out, e.handlers)
	return out
}

func (e *Engine) notify(ctx context.Context, handlers []ResolutionHandler, vote domain.Vote, result domain.VoteResult) {
	for _, h := range handlers {
		h(ctx, vote, result)
	}
}

// DelegateVotingPower передает часть базового power без передачи токенов
func (e *Engine) DelegateVotingPower(ctx context.Context, delegator, delegatee string, amount uint64) error {
	switch {
	case delegator == "" || delegatee == "":
		return fmt.Errorf("%w: empty participant", domain.ErrInvalidRequest)
	case delegator == delegatee:
		return fmt.Errorf("%w: self delegation", domain.ErrInvalidRequest)
	case amount == 0:
		return fmt.Errorf("%w: zero amount", domain.ErrInvalidRequest)
	}

	e.mu.Lock()
	if id, ok := e.openBallotLocked(delegator); ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s voted on open vote %d", domain.ErrPowerLocked, delegator, id)
	}
	available := e.base[delegator] - e.delegatedOut[delegator]
	if amount > available {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s has %d available, wants %d", domain.ErrInsufficientPower, delegator, available, amount)
	}
	key := delegationKey{from: delegator, to: delegatee}
	old := e.delegations[key]
	e.delegations[key] = old + amount
	e.delegatedOut[delegator] += amount
	e.delegatedIn[delegatee] += amount
	e.mu.Unlock()

	e.audit.Record(ctx, delegator, domain.EntityDelegation, delegator+"->"+delegatee, domain.AuditDelegate, "amount",
		fmt.Sprint(old), fmt.Sprint(old+amount))
	return nil
}

// UndelegateVotingPower возвращает делегированный power. Сумма должна совпадать с делегированием.
func (e *Engine) UndelegateVotingPower(ctx context.Context, delegator, delegatee string, amount uint64) error {
	key := delegationKey{from: delegator, to: delegatee}

	e.mu.Lock()
	current, ok := e.delegations[key]
	if !ok || amount == 0 || current != amount {
		e.mu.Unlock()
		return fmt.Errorf("%w: no delegation of %d from %s to %s", domain.ErrInvalidRequest, amount, delegator, delegatee)
	}
	if id, locked := e.openBallotLocked(delegatee); locked {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s voted on open vote %d", domain.ErrPowerLocked, delegatee, id)
	}
	delete(e.delegations, key)
	e.delegatedOut[delegator] -= amount
	e.delegatedIn[delegatee] -= amount
	if e.delegatedOut[delegator] == 0 {
		delete(e.delegatedOut, delegator)
	}
	if e.delegatedIn[delegatee] == 0 {
		delete(e.delegatedIn, delegatee)
	}
	e.mu.Unlock()

	e.audit.Record(ctx, delegator, domain.EntityDelegation, delegator+"->"+delegatee, domain.AuditUndelegate, "amount",
		fmt.Sprint(amount), "0")
	return nil
}

func (e *Engine) openBallotLocked(user string) (uint64, bool) {
	for _, id := range e.order {
		st := e.votes[id]
		if st.vote.Status != domain.VoteOpen {
			continue
		}
		if _, ok := st.ballots[user]; ok {
			return id, true
		}
	}
	return 0, false
}

// powerLocked effective power = base - delegatedOut + delegatedIn
func (e *Engine) powerLocked(user string) uint64 {
	return e.base[user] - e.delegatedOut[user] + e.delegatedIn[user]
}

// SetQuorum меняет кворум (admin)
func (e *Engine) SetQuorum(ctx context.Context, actor string, bps uint32) error {
	return e.setBps(ctx, actor, "quorum_bps", bps, func() *uint32 { return &e.cfg.QuorumBps })
}

// SetSupportRequired меняет порог поддержки (admin)
func (e *Engine) SetSupportRequired(ctx context.Context, actor string, bps uint32) error {
	return e.setBps(ctx, actor, "support_bps", bps, func() *uint32 { return &e.cfg.SupportBps })
}

func (e *Engine) setBps(ctx context.Context, actor, field string, bps uint32, target func() *uint32) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}
	if bps > domain.BpsDenominator {
		return fmt.Errorf("%w: %s %d > %d", domain.ErrInvalidRequest, field, bps, domain.BpsDenominator)
	}

	e.mu.Lock()
	p := target()
	old := *p
	*p = bps
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityEngine, "voting", domain.AuditConfigure, field, fmt.Sprint(old), fmt.Sprint(bps))
	return nil
}

// EmergencyPause блокирует создание голосований и голоса (admin)
func (e *Engine) EmergencyPause(ctx context.Context, actor, reason string) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}

	e.mu.Lock()
	e.paused = true
	e.pauseReason = reason
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityEngine, "voting", domain.AuditEmergencyPause, "reason", "", reason)
	e.logger.Warn("voting paused by %s: %s", actor, reason)
	return nil
}

// Resume снимает паузу (admin)
func (e *Engine) Resume(ctx context.Context, actor string) error {
	if err := e.authz.Require(actor, access.CapAdmin); err != nil {
		return err
	}

	e.mu.Lock()
	e.paused = false
	e.pauseReason = ""
	e.mu.Unlock()

	e.audit.Record(ctx, actor, domain.EntityEngine, "voting", domain.AuditResume, "", "", "")
	e.logger.Info("voting resumed by %s", actor)
	return nil
}

// GetVote возвращает копию голосования
func (e *Engine) GetVote(id uint64) (*domain.Vote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.votes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownVote, id)
	}
	v := cloneVote(st.vote)
	return &v, nil
}

// GetVoteResult текущий подсчет (для открытых - промежуточный)
func (e *Engine) GetVoteResult(id uint64) (*domain.VoteResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.votes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownVote, id)
	}
	r := e.tallyLocked(st)
	return &r, nil
}

// GetActiveVotes голосования, в которых еще можно голосовать
func (e *Engine) GetActiveVotes() []domain.Vote {
	now := e.clock()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Vote
	for _, id := range e.order {
		st := e.votes[id]
		if st.vote.Status == domain.VoteOpen && now.Before(st.vote.Deadline) {
			out = append(out, cloneVote(st.vote))
		}
	}
	return out
}

// GetVotingPower effective power пользователя
func (e *Engine) GetVotingPower(user string) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.powerLocked(user)
}

// TotalPower сумма базового power
func (e *Engine) TotalPower() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalPower
}

// GetBallot голос участника
func (e *Engine) GetBallot(voteID uint64, voter string) (*domain.Ballot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.votes[voteID]
	if !ok {
		return nil, false
	}
	b, ok := st.ballots[voter]
	if !ok {
		return nil, false
	}
	return &b, true
}

// GetDelegations входящие и исходящие делегирования пользователя
func (e *Engine) GetDelegations(user string) []domain.Delegation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Delegation
	for k, amount := range e.delegations {
		if k.from == user || k.to == user {
			out = append(out, domain.Delegation{Delegator: k.from, Delegatee: k.to, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Delegator != out[j].Delegator {
			return out[i].Delegator < out[j].Delegator
		}
		return out[i].Delegatee < out[j].Delegatee
	})
	return out
}

// Config текущая конфигурация
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// IsPaused true при аварийной паузе
func (e *Engine) IsPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

func cloneVote(v domain.Vote) domain.Vote {
	v.Payload = append([]byte(nil), v.Payload...)
	return v
}

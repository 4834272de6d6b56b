// Package permission хранит делегированные права пользователей и условные правила авто-отзыва.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

const minutesPerDay = 24 * 60

// VoteOpener открывает системное голосование при эскалации правила
type VoteOpener interface {
	OpenSystemVote(ctx context.Context, actor, description string, action domain.ActionType, payload []byte) (uint64, error)
}

// Bounds границы политики для GrantPermission / UpdatePermission
type Bounds struct {
	MinCooldown      time.Duration
	MaxCooldown      time.Duration
	MaxAmount        decimal.Decimal
	MaxRiskTolerance uint8
}

// DefaultBounds границы по умолчанию (moderate профиль)
func DefaultBounds() Bounds {
	return Bounds{
		MinCooldown:      0,
		MaxCooldown:      7 * 24 * time.Hour,
		MaxAmount:        decimal.NewFromInt(1_000_000),
		MaxRiskTolerance: domain.MaxRiskTolerance,
	}
}

// PermissionConfig параметры нового разрешения
type PermissionConfig struct {
	Action           domain.ActionType
	Threshold        uint32
	Cooldown         time.Duration
	RequiresVoting   bool
	MaxAmount        decimal.Decimal
	MaxPercentageBps uint32
	RiskTolerance    uint8
	Tokens           []string
	Windows          []domain.TimeWindow
	Conditions       []string
	ExpiresAt        time.Time
}

// PermissionUpdate частичное изменение; nil поле не меняется
type PermissionUpdate struct {
	Threshold        *uint32
	Cooldown         *time.Duration
	RequiresVoting   *bool
	MaxAmount        *decimal.Decimal
	MaxPercentageBps *uint32
	RiskTolerance    *uint8
	Tokens           *[]string
	Windows          *[]domain.TimeWindow
	Conditions       *[]string
	ExpiresAt        *time.Time
}

// RuleConfig параметры условного правила
type RuleConfig struct {
	ID               string
	Metric           string
	Threshold        float64
	Expression       string
	AutoRevoke       bool
	EscalateToVoting bool
	GracePeriod      time.Duration
}

// Query запрос проверки права. Необязательные поля - nil.
type Query struct {
	User           string
	Action         domain.ActionType
	Token          string
	Amount         *decimal.Decimal
	PortfolioValue *decimal.Decimal
	Confidence     *uint32
	RiskScore      *uint8
	At             time.Time
}

// RuleFiring результат срабатывания правила
type RuleFiring struct {
	RuleID        string
	Metric        string
	Value         float64
	Revoked       []string
	VoteID        uint64
	EscalationErr error
}

// Manager реестр разрешений. Все мутации под одним write lock.
type Manager struct {
	mu          sync.RWMutex
	permissions map[string]*domain.Permission
	byUser      map[string][]string
	rules       map[string]*domain.ConditionalRule
	ruleOrder   []string

	bounds     Bounds
	conditions *ConditionEvaluator
	authz      *access.Authorizer
	audit      *audit.Log
	opener     VoteOpener
	clock      func() time.Time
	logger     *utils.Logger
}

// NewManager создает менеджер разрешений
func NewManager(authz *access.Authorizer, auditLog *audit.Log, bounds Bounds, logger *utils.Logger) (*Manager, error) {
	conditions, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if auditLog == nil {
		auditLog = audit.NewLog(logger)
	}
	return &Manager{
		permissions: make(map[string]*domain.Permission),
		byUser:      make(map[string][]string),
		rules:       make(map[string]*domain.ConditionalRule),
		bounds:      bounds,
		conditions:  conditions,
		authz:       authz,
		audit:       auditLog,
		clock:       time.Now,
		logger:      logger.Named("permission"),
	}, nil
}

// WithClock подменяет часы
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// SetVoteOpener подключает VotingEngine для эскалаций
func (m *Manager) SetVoteOpener(opener VoteOpener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opener = opener
}

// Bounds текущие границы политики
func (m *Manager) Bounds() Bounds {
	return m.bounds
}

// GrantPermission создает разрешение от имени actor (владелец = actor)
func (m *Manager) GrantPermission(ctx context.Context, actor string, cfg PermissionConfig) (*domain.Permission, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: empty actor", domain.ErrNotAuthorized)
	}
	now := m.clock()
	if err := m.validate(cfg, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.rulesExistLocked(cfg.Conditions); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	p := &domain.Permission{
		ID:               uuid.New().String(),
		Owner:            actor,
		Action:           cfg.Action,
		Threshold:        cfg.Threshold,
		Cooldown:         cfg.Cooldown,
		Active:           true,
		RequiresVoting:   cfg.RequiresVoting,
		MaxAmount:        cfg.MaxAmount,
		MaxPercentageBps: cfg.MaxPercentageBps,
		RiskTolerance:    cfg.RiskTolerance,
		Tokens:           normalizeTokens(cfg.Tokens),
		Windows:          append([]domain.TimeWindow(nil), cfg.Windows...),
		Conditions:       append([]string(nil), cfg.Conditions...),
		ExpiresAt:        cfg.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.permissions[p.ID] = p
	m.byUser[actor] = append(m.byUser[actor], p.ID)
	out := clonePermission(p)
	m.mu.Unlock()

	m.audit.Record(ctx, actor, domain.EntityPermission, p.ID, domain.AuditGrant, "action", "", string(p.Action))
	m.logger.Info("permission %s granted: owner=%s action=%s max_amount=%s", p.ID, actor, p.Action, p.MaxAmount)
	return out, nil
}

// CheckPermission возвращает первое подходящее разрешение в порядке выдачи.
// Отсутствие совпадения - нормальный результат, не ошибка.
func (m *Manager) CheckPermission(_ context.Context, q Query) (*domain.Permission, bool) {
	at := q.At
	if at.IsZero() {
		at = m.clock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.byUser[q.User] {
		p := m.permissions[id]
		if p.Action != q.Action {
			continue
		}
		if m.matchesLocked(p, q, at) {
			return clonePermission(p), true
		}
	}
	return nil, false
}

func (m *Manager) matchesLocked(p *domain.Permission, q Query, at time.Time) bool {
	if !p.Active {
		return false
	}
	if !p.ExpiresAt.IsZero() && !at.Before(p.ExpiresAt) {
		return false
	}
	if q.Token != "" && len(p.Tokens) > 0 && !containsToken(p.Tokens, q.Token) {
		return false
	}
	if q.Amount != nil {
		if q.Amount.Sign() < 0 || q.Amount.GreaterThan(p.MaxAmount) {
			return false
		}
		if p.MaxPercentageBps > 0 {
			if q.PortfolioValue == nil || q.PortfolioValue.Sign() <= 0 {
				return false
			}
			if !q.Amount.Mul(decimal.NewFromInt(domain.BpsDenominator)).
				LessThanOrEqual(q.PortfolioValue.Mul(decimal.NewFromInt(int64(p.MaxPercentageBps)))) {
				return false
			}
		}
	}
	if len(p.Windows) > 0 {
		inside := false
		for _, w := range p.Windows {
			if w.Contains(at) {
				inside = true
				break
			}
		}
		if !inside {
			return false
		}
	}
	if q.Confidence != nil && *q.Confidence < p.Threshold {
		return false
	}
	if q.RiskScore != nil && *q.RiskScore > p.RiskTolerance {
		return false
	}
	if !p.LastUsed.IsZero() && at.Before(p.LastUsed.Add(p.Cooldown)) {
		return false
	}
	for _, ruleID := range p.Conditions {
		if r, ok := m.rules[ruleID]; ok && r.Active && !r.BreachedSince.IsZero() {
			return false
		}
	}
	return true
}

// RecordUse отмечает использование разрешения (use-cooldown)
func (m *Manager) RecordUse(ctx context.Context, permissionID string, at time.Time) error {
	if at.IsZero() {
		at = m.clock()
	}

	m.mu.Lock()
	p, ok := m.permissions[permissionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownPermission, permissionID)
	}
	if !p.Active {
		m.mu.Unlock()
		return fmt.Errorf("%w: permission %s is revoked", domain.ErrInvalidRequest, permissionID)
	}
	old := p.LastUsed
	p.LastUsed = at
	owner := p.Owner
	m.mu.Unlock()

	m.audit.Record(ctx, owner, domain.EntityPermission, permissionID, domain.AuditUse, "last_used",
		formatTime(old), formatTime(at))
	return nil
}

// UpdatePermission меняет параметры активного разрешения. Только владелец.
func (m *Manager) UpdatePermission(ctx context.Context, actor, id string, upd PermissionUpdate) (*domain.Permission, error) {
	now := m.clock()

	m.mu.Lock()
	p, ok := m.permissions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPermission, id)
	}
	if p.Owner != actor {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is not the owner of %s", domain.ErrNotAuthorized, actor, id)
	}
	if !p.Active {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: permission %s is revoked", domain.ErrInvalidRequest, id)
	}

	cfg := applyUpdate(configOf(p), upd)
	if err := m.validate(cfg, now); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.rulesExistLocked(cfg.Conditions); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	before := clonePermission(p)
	p.Threshold = cfg.Threshold
	p.Cooldown = cfg.Cooldown
	p.RequiresVoting = cfg.RequiresVoting
	p.MaxAmount = cfg.MaxAmount
	p.MaxPercentageBps = cfg.MaxPercentageBps
	p.RiskTolerance = cfg.RiskTolerance
	p.Tokens = normalizeTokens(cfg.Tokens)
	p.Windows = append([]domain.TimeWindow(nil), cfg.Windows...)
	p.Conditions = append([]string(nil), cfg.Conditions...)
	p.ExpiresAt = cfg.ExpiresAt

	changes := diffPermission(before, p)
	if len(changes) > 0 {
		p.UpdatedAt = now
	}
	out := clonePermission(p)
	m.mu.Unlock()

	for _, c := range changes {
		m.audit.Record(ctx, actor, domain.EntityPermission, id, domain.AuditUpdate, c.field, c.before, c.after)
	}
	return out, nil
}

// RevokePermission отзывает разрешение. Владелец или admin. Необратимо.
func (m *Manager) RevokePermission(ctx context.Context, actor, id, reason string) error {
	now := m.clock()

	m.mu.Lock()
	p, ok := m.permissions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownPermission, id)
	}
	if p.Owner != actor && (m.authz == nil || !m.authz.Has(actor, access.CapAdmin)) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s cannot revoke %s", domain.ErrNotAuthorized, actor, id)
	}
	if !p.Active {
		m.mu.Unlock()
		return fmt.Errorf("%w: permission %s already revoked", domain.ErrInvalidRequest, id)
	}
	revokeLocked(p, now, reason)
	m.mu.Unlock()

	m.audit.Record(ctx, actor, domain.EntityPermission, id, domain.AuditRevoke, "active", "true", "false")
	m.logger.Info("permission %s revoked by %s: %s", id, actor, reason)
	return nil
}

// AddConditionalRule регистрирует правило. Требует rule_manager.
func (m *Manager) AddConditionalRule(ctx context.Context, actor string, cfg RuleConfig) (*domain.ConditionalRule, error) {
	if m.authz == nil {
		return nil, fmt.Errorf("%w: no authorizer configured", domain.ErrNotAuthorized)
	}
	if err := m.authz.Require(actor, access.CapRuleManager); err != nil {
		return nil, err
	}
	if err := validateRule(cfg); err != nil {
		return nil, err
	}
	if cfg.Expression != "" {
		if err := m.conditions.Compile(cfg.Expression); err != nil {
			return nil, err
		}
	}

	now := m.clock()
	m.mu.Lock()
	if _, exists := m.rules[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: rule %s", domain.ErrAlreadyExists, cfg.ID)
	}
	r := &domain.ConditionalRule{
		ID:               cfg.ID,
		Metric:           cfg.Metric,
		Threshold:        cfg.Threshold,
		Expression:       cfg.Expression,
		AutoRevoke:       cfg.AutoRevoke,
		EscalateToVoting: cfg.EscalateToVoting,
		GracePeriod:      cfg.GracePeriod,
		Active:           true,
		CreatedAt:        now,
	}
	m.rules[r.ID] = r
	m.ruleOrder = append(m.ruleOrder, r.ID)
	out := *r
	m.mu.Unlock()

	m.audit.Record(ctx, actor, domain.EntityRule, r.ID, domain.AuditRegister, "metric", "", describeRule(r))
	return &out, nil
}

// DeactivateRule выключает правило. Привязанные разрешения перестают от него зависеть.
func (m *Manager) DeactivateRule(ctx context.Context, actor, id string) error {
	if m.authz == nil {
		return fmt.Errorf("%w: no authorizer configured", domain.ErrNotAuthorized)
	}
	if err := m.authz.Require(actor, access.CapRuleManager); err != nil {
		return err
	}

	m.mu.Lock()
	r, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRule, id)
	}
	if !r.Active {
		m.mu.Unlock()
		return nil
	}
	r.Active = false
	r.BreachedSince = time.Time{}
	r.Fired = false
	m.mu.Unlock()

	m.audit.Record(ctx, actor, domain.EntityRule, id, domain.AuditDeactivate, "active", "true", "false")
	return nil
}

type breach struct {
	ruleID   string
	breached bool
	value    float64
}

// EvaluateConditions применяет снимок рынка к активным правилам.
// Снимок должен быть получен вызывающим заранее.
func (m *Manager) EvaluateConditions(ctx context.Context, snapshot domain.MarketSnapshot) ([]RuleFiring, error) {
	at := snapshot.TakenAt
	if at.IsZero() {
		at = m.clock()
	}

	m.mu.RLock()
	active := make([]domain.ConditionalRule, 0, len(m.ruleOrder))
	for _, id := range m.ruleOrder {
		if r := m.rules[id]; r.Active {
			active = append(active, *r)
		}
	}
	m.mu.RUnlock()

	breaches := make([]breach, 0, len(active))
	for _, r := range active {
		value, hasValue := snapshot.Metric(r.Metric)
		if r.Expression == "" {
			if !hasValue {
				continue
			}
			breaches = append(breaches, breach{ruleID: r.ID, breached: value > r.Threshold, value: value})
			continue
		}
		ok, err := m.conditions.Eval(r.Expression, snapshot.Values, value, r.Threshold)
		if err != nil {
			m.logger.Warn("rule %s evaluation skipped: %v", r.ID, err)
			continue
		}
		breaches = append(breaches, breach{ruleID: r.ID, breached: ok, value: value})
	}

	var (
		firings []RuleFiring
		events  []domain.AuditEvent
		opener  VoteOpener
	)

	m.mu.Lock()
	opener = m.opener
	for _, b := range breaches {
		r, ok := m.rules[b.ruleID]
		if !ok || !r.Active {
			continue
		}
		if !b.breached {
			r.BreachedSince = time.Time{}
			r.Fired = false
			continue
		}
		if r.BreachedSince.IsZero() {
			r.BreachedSince = at
		}
		if r.Fired || at.Sub(r.BreachedSince) < r.GracePeriod {
			continue
		}
		r.Fired = true

		firing := RuleFiring{RuleID: r.ID, Metric: r.Metric, Value: b.value}
		if r.AutoRevoke {
			for _, p := range m.attachedLocked(r.ID) {
				revokeLocked(p, at, "auto-revoke:"+r.ID)
				firing.Revoked = append(firing.Revoked, p.ID)
				events = append(events, domain.AuditEvent{
					ActorID:    domain.ActorPermissionManager,
					EntityType: domain.EntityPermission,
					EntityID:   p.ID,
					Action:     domain.AuditAutoRevoke,
					Field:      "active",
					OldValue:   "true",
					NewValue:   "false",
					Timestamp:  at,
				})
			}
		}
		firings = append(firings, firing)
	}
	escalate := make(map[string]bool)
	for _, f := range firings {
		if r := m.rules[f.RuleID]; r.EscalateToVoting {
			escalate[f.RuleID] = true
		}
	}
	m.mu.Unlock()

	for _, e := range events {
		m.audit.Append(ctx, e)
	}

	var errs []error
	for i := range firings {
		f := &firings[i]
		m.logger.Warn("rule %s fired (%s=%v), revoked %d permission(s)", f.RuleID, f.Metric, f.Value, len(f.Revoked))
		if !escalate[f.RuleID] {
			continue
		}
		if opener == nil {
			f.EscalationErr = errors.New("no vote opener configured")
			errs = append(errs, fmt.Errorf("rule %s: %w", f.RuleID, f.EscalationErr))
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"rule_id": f.RuleID,
			"metric":  f.Metric,
			"value":   f.Value,
			"revoked": f.Revoked,
		})
		desc := fmt.Sprintf("Rule %s fired: re-grant %d revoked permission(s)?", f.RuleID, len(f.Revoked))
		voteID, err := opener.OpenSystemVote(ctx, domain.ActorPermissionManager, desc, "", payload)
		if err != nil {
			f.EscalationErr = err
			errs = append(errs, fmt.Errorf("rule %s escalation: %w", f.RuleID, err))
			m.logger.Error("rule %s escalation failed: %v", f.RuleID, err)
			continue
		}
		f.VoteID = voteID
		m.audit.Record(ctx, domain.ActorPermissionManager, domain.EntityRule, f.RuleID, domain.AuditEscalated,
			"vote_id", "", fmt.Sprintf("%d", voteID))
	}
	return firings, errors.Join(errs...)
}

func (m *Manager) attachedLocked(ruleID string) []*domain.Permission {
	var out []*domain.Permission
	for _, p := range m.permissions {
		if !p.Active {
			continue
		}
		for _, c := range p.Conditions {
			if c == ruleID {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetPermission возвращает копию разрешения
func (m *Manager) GetPermission(id string) (*domain.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.permissions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPermission, id)
	}
	return clonePermission(p), nil
}

// GetUserPermissions все разрешения пользователя в порядке выдачи
func (m *Manager) GetUserPermissions(user string) []domain.Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[user]
	out := make([]domain.Permission, 0, len(ids))
	for _, id := range ids {
		out = append(out, *clonePermission(m.permissions[id]))
	}
	return out
}

// GetRule возвращает копию правила
func (m *Manager) GetRule(id string) (*domain.ConditionalRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRule, id)
	}
	out := *r
	return &out, nil
}

// GetRules правила в порядке добавления
func (m *Manager) GetRules() []domain.ConditionalRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ConditionalRule, 0, len(m.ruleOrder))
	for _, id := range m.ruleOrder {
		out = append(out, *m.rules[id])
	}
	return out
}

// History audit записи разрешения
func (m *Manager) History(id string) []domain.AuditEvent {
	return m.audit.ByEntity(domain.EntityPermission, id)
}

func (m *Manager) validate(cfg PermissionConfig, now time.Time) error {
	switch {
	case !cfg.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidConfig, cfg.Action)
	case cfg.Threshold > domain.BpsDenominator:
		return fmt.Errorf("%w: threshold %d bps > %d", domain.ErrInvalidConfig, cfg.Threshold, domain.BpsDenominator)
	case cfg.Cooldown < m.bounds.MinCooldown || cfg.Cooldown > m.bounds.MaxCooldown:
		return fmt.Errorf("%w: cooldown %s outside [%s, %s]", domain.ErrInvalidConfig,
			cfg.Cooldown, m.bounds.MinCooldown, m.bounds.MaxCooldown)
	case cfg.MaxAmount.Sign() <= 0:
		return fmt.Errorf("%w: max amount must be positive", domain.ErrInvalidConfig)
	case m.bounds.MaxAmount.Sign() > 0 && cfg.MaxAmount.GreaterThan(m.bounds.MaxAmount):
		return fmt.Errorf("%w: max amount %s > %s", domain.ErrInvalidConfig, cfg.MaxAmount, m.bounds.MaxAmount)
	case cfg.RiskTolerance < 1 || cfg.RiskTolerance > m.bounds.MaxRiskTolerance:
		return fmt.Errorf("%w: risk tolerance %d outside [1, %d]", domain.ErrInvalidConfig,
			cfg.RiskTolerance, m.bounds.MaxRiskTolerance)
	case cfg.MaxPercentageBps > domain.BpsDenominator:
		return fmt.Errorf("%w: max percentage %d bps > %d", domain.ErrInvalidConfig, cfg.MaxPercentageBps, domain.BpsDenominator)
	case !cfg.ExpiresAt.IsZero() && !cfg.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiry is in the past", domain.ErrInvalidConfig)
	}
	for _, t := range cfg.Tokens {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty token", domain.ErrInvalidConfig)
		}
	}
	for i, w := range cfg.Windows {
		if w.StartMinute < 0 || w.EndMinute > minutesPerDay || w.StartMinute >= w.EndMinute {
			return fmt.Errorf("%w: window %d [%d, %d) is malformed", domain.ErrInvalidConfig, i, w.StartMinute, w.EndMinute)
		}
		for _, d := range w.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: window %d has invalid weekday %d", domain.ErrInvalidConfig, i, d)
			}
		}
	}
	return nil
}

func (m *Manager) rulesExistLocked(ids []string) error {
	for _, id := range ids {
		if _, ok := m.rules[id]; !ok {
			return fmt.Errorf("%w: condition %s: %v", domain.ErrInvalidConfig, id, domain.ErrUnknownRule)
		}
	}
	return nil
}

func validateRule(cfg RuleConfig) error {
	switch {
	case strings.TrimSpace(cfg.ID) == "":
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidConfig)
	case cfg.Metric == "" && cfg.Expression == "":
		return fmt.Errorf("%w: rule %s needs a metric or an expression", domain.ErrInvalidConfig, cfg.ID)
	case cfg.GracePeriod < 0:
		return fmt.Errorf("%w: rule %s has negative grace period", domain.ErrInvalidConfig, cfg.ID)
	case !cfg.AutoRevoke && !cfg.EscalateToVoting:
		return fmt.Errorf("%w: rule %s has no effect", domain.ErrInvalidConfig, cfg.ID)
	}
	return nil
}

func revokeLocked(p *domain.Permission, at time.Time, reason string) {
	p.Active = false
	p.RevokedAt = at
	p.RevokeReason = reason
	p.UpdatedAt = at
}

func configOf(p *domain.Permission) PermissionConfig {
	return PermissionConfig{
		Action:           p.Action,
		Threshold:        p.Threshold,
		Cooldown:         p.Cooldown,
		RequiresVoting:   p.RequiresVoting,
		MaxAmount:        p.MaxAmount,
		MaxPercentageBps: p.MaxPercentageBps,
		RiskTolerance:    p.RiskTolerance,
		Tokens:           p.Tokens,
		Windows:          p.Windows,
		Conditions:       p.Conditions,
		ExpiresAt:        p.ExpiresAt,
	}
}

func applyUpdate(cfg PermissionConfig, upd PermissionUpdate) PermissionConfig {
	if upd.Threshold != nil {
		cfg.Threshold = *upd.Threshold
	}
	if upd.Cooldown != nil {
		cfg.Cooldown = *upd.Cooldown
	}
	if upd.RequiresVoting != nil {
		cfg.RequiresVoting = *upd.RequiresVoting
	}
	if upd.MaxAmount != nil {
		cfg.MaxAmount = *upd.MaxAmount
	}
	if upd.MaxPercentageBps != nil {
		cfg.MaxPercentageBps = *upd.MaxPercentageBps
	}
	if upd.RiskTolerance != nil {
		cfg.RiskTolerance = *upd.RiskTolerance
	}
	if upd.Tokens != nil {
		cfg.Tokens = *upd.Tokens
	}
	if upd.Windows != nil {
		cfg.Windows = *upd.Windows
	}
	if upd.Conditions != nil {
		cfg.Conditions = *upd.Conditions
	}
	if upd.ExpiresAt != nil {
		cfg.ExpiresAt = *upd.ExpiresAt
	}
	return cfg
}

type fieldChange struct {
	field         string
	before, after string
}

func diffPermission(a, b *domain.Permission) []fieldChange {
	var out []fieldChange
	add := func(field, before, after string) {
		if before != after {
			out = append(out, fieldChange{field: field, before: before, after: after})
		}
	}
	add("threshold", fmt.Sprint(a.Threshold), fmt.Sprint(b.Threshold))
	add("cooldown", a.Cooldown.String(), b.Cooldown.String())
	add("requires_voting", fmt.Sprint(a.RequiresVoting), fmt.Sprint(b.RequiresVoting))
	add("max_amount", a.MaxAmount.String(), b.MaxAmount.String())
	add("max_percentage_bps", fmt.Sprint(a.MaxPercentageBps), fmt.Sprint(b.MaxPercentageBps))
	add("risk_tolerance", fmt.Sprint(a.RiskTolerance), fmt.Sprint(b.RiskTolerance))
	add("tokens", strings.Join(a.Tokens, ","), strings.Join(b.Tokens, ","))
	add("windows", fmt.Sprint(a.Windows), fmt.Sprint(b.Windows))
	add("conditions", strings.Join(a.Conditions, ","), strings.Join(b.Conditions, ","))
	add("expires_at", formatTime(a.ExpiresAt), formatTime(b.ExpiresAt))
	return out
}

func clonePermission(p *domain.Permission) *domain.Permission {
	out := *p
	out.Tokens = append([]string(nil), p.Tokens...)
	out.Windows = append([]domain.TimeWindow(nil), p.Windows...)
	out.Conditions = append([]string(nil), p.Conditions...)
	return &out
}

func normalizeTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, strings.ToUpper(strings.TrimSpace(t)))
	}
	return out
}

func containsToken(tokens []string, token string) bool {
	token = strings.ToUpper(strings.TrimSpace(token))
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

func describeRule(r *domain.ConditionalRule) string {
	if r.Expression != "" {
		return r.Expression
	}
	return fmt.Sprintf("%s > %v", r.Metric, r.Threshold)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

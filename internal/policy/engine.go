// Package policy загружает YAML профиль политики и применяет его к движкам
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/permission"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// DefaultProfile профиль, если POLICY_PROFILE не задан
const DefaultProfile = "moderate"

// StrategyRegistrar регистрирует стратегии (execution.Engine)
type StrategyRegistrar interface {
	RegisterStrategy(ctx context.Context, actor string, cfg execution.StrategyConfig) (*domain.Strategy, error)
}

// RuleRegistrar и PermissionGranter реализует permission.Manager
type RuleRegistrar interface {
	AddConditionalRule(ctx context.Context, actor string, cfg permission.RuleConfig) (*domain.ConditionalRule, error)
}

type PermissionGranter interface {
	GrantPermission(ctx context.Context, actor string, cfg permission.PermissionConfig) (*domain.Permission, error)
}

// PowerSetter выставляет voting power (voting.Engine)
type PowerSetter interface {
	SetVotingPower(ctx context.Context, actor, user string, amount uint64) error
}

// Targets компоненты, к которым применяется профиль. nil секции пропускаются.
type Targets struct {
	Strategies  StrategyRegistrar
	Rules       RuleRegistrar
	Permissions PermissionGranter
	Voting      PowerSetter
}

// Load загружает профиль из YAML файла
func Load(path, profile string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(data, profile)
}

// Parse разбирает YAML с секцией risk_profiles и выбирает профиль
func Parse(data []byte, profile string) (*Policy, error) {
	var config struct {
		RiskProfiles map[string]Policy `yaml:"risk_profiles"`
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: policy yaml: %v", domain.ErrInvalidConfig, err)
	}

	if profile == "" {
		profile = os.Getenv("POLICY_PROFILE")
	}
	if profile == "" {
		profile = DefaultProfile
	}

	p, ok := config.RiskProfiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: policy profile %s not found", domain.ErrInvalidConfig, profile)
	}
	p.ProfileName = profile

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate проверяет профиль до применения
func (p *Policy) Validate() error {
	if _, err := p.Bounds(); err != nil {
		return err
	}
	for _, r := range p.ConditionalRules {
		if _, err := r.ruleConfig(); err != nil {
			return err
		}
	}
	for i, g := range p.Permissions {
		if g.User == "" {
			return fmt.Errorf("%w: permission %d has no user", domain.ErrInvalidConfig, i)
		}
		if _, err := g.permissionConfig(); err != nil {
			return err
		}
	}
	return nil
}

// Bounds границы разрешений профиля; пустые поля берутся из permission.DefaultBounds
func (p *Policy) Bounds() (permission.Bounds, error) {
	b := permission.DefaultBounds()
	pb := p.PermissionBounds

	if pb.MinCooldown != 0 {
		b.MinCooldown = pb.MinCooldown
	}
	if pb.MaxCooldown != 0 {
		b.MaxCooldown = pb.MaxCooldown
	}
	if pb.MaxAmount != "" {
		amount, err := decimal.NewFromString(pb.MaxAmount)
		if err != nil {
			return b, fmt.Errorf("%w: permission_bounds.max_amount: %v", domain.ErrInvalidConfig, err)
		}
		b.MaxAmount = amount
	}
	if pb.MaxRiskTolerance != 0 {
		b.MaxRiskTolerance = pb.MaxRiskTolerance
	}

	switch {
	case b.MinCooldown < 0 || b.MinCooldown > b.MaxCooldown:
		return b, fmt.Errorf("%w: cooldown bounds [%s, %s]", domain.ErrInvalidConfig, b.MinCooldown, b.MaxCooldown)
	case b.MaxAmount.Sign() <= 0:
		return b, fmt.Errorf("%w: permission_bounds.max_amount must be positive", domain.ErrInvalidConfig)
	case b.MaxRiskTolerance > domain.MaxRiskTolerance:
		return b, fmt.Errorf("%w: max_risk_tolerance %d > %d", domain.ErrInvalidConfig, b.MaxRiskTolerance, domain.MaxRiskTolerance)
	}
	return b, nil
}

// Apply регистрирует стратегии, правила, разрешения и voting power.
// Правила идут до разрешений, которые на них ссылаются. Первая ошибка прерывает применение.
func (p *Policy) Apply(ctx context.Context, actor string, t Targets, logger *utils.Logger) (*Summary, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Summary{Profile: p.ProfileName}

	if t.Strategies != nil {
		for _, cfg := range p.Strategies {
			st, err := t.Strategies.RegisterStrategy(ctx, actor, cfg)
			if err != nil {
				return s, fmt.Errorf("strategy %s: %w", cfg.ID, err)
			}
			s.Strategies = append(s.Strategies, st.ID)
		}
	}

	if t.Rules != nil {
		for _, rs := range p.ConditionalRules {
			cfg, err := rs.ruleConfig()
			if err != nil {
				return s, err
			}
			r, err := t.Rules.AddConditionalRule(ctx, actor, cfg)
			if err != nil {
				return s, fmt.Errorf("rule %s: %w", rs.ID, err)
			}
			s.Rules = append(s.Rules, r.ID)
		}
	}

	if t.Permissions != nil {
		for _, g := range p.Permissions {
			cfg, err := g.permissionConfig()
			if err != nil {
				return s, err
			}
			// разрешение выдает сам владелец
			perm, err := t.Permissions.GrantPermission(ctx, g.User, cfg)
			if err != nil {
				return s, fmt.Errorf("permission %s/%s: %w", g.User, g.Action, err)
			}
			s.Permissions = append(s.Permissions, perm.ID)
		}
	}

	if t.Voting != nil {
		users := make([]string, 0, len(p.VotingPower))
		for u := range p.VotingPower {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			if err := t.Voting.SetVotingPower(ctx, actor, u, p.VotingPower[u]); err != nil {
				return s, fmt.Errorf("voting power %s: %w", u, err)
			}
			s.VotingPower++
		}
	}

	logger.Info("Policy %s applied: %d strategies, %d rules, %d permissions, %d voters",
		p.ProfileName, len(s.Strategies), len(s.Rules), len(s.Permissions), s.VotingPower)
	return s, nil
}

func (r RuleSpec) ruleConfig() (permission.RuleConfig, error) {
	cfg := permission.RuleConfig{
		ID:          r.ID,
		Metric:      r.Metric,
		Threshold:   r.Threshold,
		Expression:  r.Expression,
		GracePeriod: r.Grace,
	}
	switch r.Action {
	case RuleActionRevoke, "":
		cfg.AutoRevoke = true
	case RuleActionEscalate:
		cfg.EscalateToVoting = true
	case RuleActionRevokeAndEscalate:
		cfg.AutoRevoke = true
		cfg.EscalateToVoting = true
	default:
		return cfg, fmt.Errorf("%w: rule %s: unknown action %q", domain.ErrInvalidConfig, r.ID, r.Action)
	}
	return cfg, nil
}

func (g GrantSpec) permissionConfig() (permission.PermissionConfig, error) {
	amount, err := decimal.NewFromString(g.MaxAmount)
	if err != nil {
		return permission.PermissionConfig{}, fmt.Errorf("%w: permission %s/%s max_amount: %v",
			domain.ErrInvalidConfig, g.User, g.Action, err)
	}
	return permission.PermissionConfig{
		Action:           g.Action,
		Threshold:        g.Threshold,
		Cooldown:         g.Cooldown,
		RequiresVoting:   g.RequiresVoting,
		MaxAmount:        amount,
		MaxPercentageBps: g.MaxPercentageBps,
		RiskTolerance:    g.RiskTolerance,
		Tokens:           g.Tokens,
		Windows:          g.Windows,
		Conditions:       g.Conditions,
	}, nil
}

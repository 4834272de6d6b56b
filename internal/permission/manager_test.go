package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

type fakeOpener struct {
	calls   int
	nextID  uint64
	err     error
	payload []byte
}

func (f *fakeOpener) OpenSystemVote(_ context.Context, _, _ string, _ domain.ActionType, payload []byte) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.payload = payload
	return f.nextID, nil
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *audit.Log, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)} // понедельник
	authz := access.NewAuthorizer()
	authz.Grant("root", access.CapAdmin)
	authz.Grant("risk", access.CapRuleManager)

	log := audit.NewLog(nil).WithClock(clock.Now)
	m, err := NewManager(authz, log, DefaultBounds(), nil)
	require.NoError(t, err)
	m.WithClock(clock.Now)
	return m, log, clock
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func swapConfig(maxAmount int64) PermissionConfig {
	return PermissionConfig{
		Action:        domain.ActionSwap,
		Threshold:     7_000,
		MaxAmount:     decimal.NewFromInt(maxAmount),
		RiskTolerance: 5,
	}
}

func TestCheckPermission_MaxAmountScenario(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.GrantPermission(ctx, "A", swapConfig(1000))
	require.NoError(t, err)

	p, ok := m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap, Amount: dec(500)})
	require.True(t, ok)
	assert.Equal(t, "A", p.Owner)

	_, ok = m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap, Amount: dec(1500)})
	assert.False(t, ok)

	_, ok = m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionRebalance, Amount: dec(500)})
	assert.False(t, ok, "different action")

	_, ok = m.CheckPermission(ctx, Query{User: "B", Action: domain.ActionSwap, Amount: dec(500)})
	assert.False(t, ok, "different user")
}

func TestGrantPermission_Bounds(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*PermissionConfig)
	}{
		{"unknown action", func(c *PermissionConfig) { c.Action = "TELEPORT" }},
		{"threshold above 100%", func(c *PermissionConfig) { c.Threshold = 10_001 }},
		{"cooldown above max", func(c *PermissionConfig) { c.Cooldown = 8 * 24 * time.Hour }},
		{"zero max amount", func(c *PermissionConfig) { c.MaxAmount = decimal.Zero }},
		{"max amount above bound", func(c *PermissionConfig) { c.MaxAmount = decimal.NewFromInt(2_000_000) }},
		{"risk tolerance zero", func(c *PermissionConfig) { c.RiskTolerance = 0 }},
		{"risk tolerance above 10", func(c *PermissionConfig) { c.RiskTolerance = 11 }},
		{"percentage above 100%", func(c *PermissionConfig) { c.MaxPercentageBps = 10_001 }},
		{"expired", func(c *PermissionConfig) { c.ExpiresAt = clock.now.Add(-time.Minute) }},
		{"malformed window", func(c *PermissionConfig) {
			c.Windows = []domain.TimeWindow{{StartMinute: 600, EndMinute: 600}}
		}},
		{"unknown condition", func(c *PermissionConfig) { c.Conditions = []string{"nope"} }},
		{"empty token", func(c *PermissionConfig) { c.Tokens = []string{" "} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := swapConfig(1000)
			tt.mutate(&cfg)
			_, err := m.GrantPermission(ctx, "A", cfg)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}

	assert.Empty(t, m.GetUserPermissions("A"), "no partial state after rejected grants")

	_, err := m.GrantPermission(ctx, "", swapConfig(1000))
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestCheckPermission_Scope(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	cfg := swapConfig(1000)
	cfg.Tokens = []string{"eth", "USDC"}
	cfg.MaxPercentageBps = 2_000
	cfg.Windows = []domain.TimeWindow{{Weekdays: []time.Weekday{time.Monday}, StartMinute: 9 * 60, EndMinute: 17 * 60}}
	_, err := m.GrantPermission(ctx, "A", cfg)
	require.NoError(t, err)

	confLow := uint32(6_000)
	confHigh := uint32(9_000)
	riskHigh := uint8(8)

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"covered token", Query{Token: "ETH", Amount: dec(100), PortfolioValue: dec(1000)}, true},
		{"token outside set", Query{Token: "BTC", Amount: dec(100), PortfolioValue: dec(1000)}, false},
		{"percentage exactly at limit", Query{Amount: dec(200), PortfolioValue: dec(1000)}, true},
		{"percentage above limit", Query{Amount: dec(201), PortfolioValue: dec(1000)}, false},
		{"percentage without portfolio", Query{Amount: dec(100)}, false},
		{"outside window", Query{Amount: dec(100), PortfolioValue: dec(1000), At: clock.now.Add(8 * time.Hour)}, false},
		{"other weekday", Query{Amount: dec(100), PortfolioValue: dec(1000), At: clock.now.Add(24 * time.Hour)}, false},
		{"low confidence", Query{Amount: dec(100), PortfolioValue: dec(1000), Confidence: &confLow}, false},
		{"high confidence", Query{Amount: dec(100), PortfolioValue: dec(1000), Confidence: &confHigh}, true},
		{"risk above tolerance", Query{Amount: dec(100), PortfolioValue: dec(1000), RiskScore: &riskHigh}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.q
			q.User = "A"
			q.Action = domain.ActionSwap
			_, ok := m.CheckPermission(ctx, q)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCheckPermission_FirstMatchInGrantOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	small, err := m.GrantPermission(ctx, "A", swapConfig(100))
	require.NoError(t, err)
	big, err := m.GrantPermission(ctx, "A", swapConfig(1000))
	require.NoError(t, err)

	p, ok := m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap, Amount: dec(50)})
	require.True(t, ok)
	assert.Equal(t, small.ID, p.ID)

	p, ok = m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap, Amount: dec(500)})
	require.True(t, ok)
	assert.Equal(t, big.ID, p.ID)
}

func TestCheckPermission_ExpiryAndUseCooldown(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	cfg := swapConfig(1000)
	cfg.Cooldown = time.Hour
	cfg.ExpiresAt = clock.now.Add(3 * time.Hour)
	p, err := m.GrantPermission(ctx, "A", cfg)
	require.NoError(t, err)

	q := Query{User: "A", Action: domain.ActionSwap}
	_, ok := m.CheckPermission(ctx, q)
	require.True(t, ok)

	require.NoError(t, m.RecordUse(ctx, p.ID, clock.now))
	_, ok = m.CheckPermission(ctx, q)
	assert.False(t, ok, "inside use cooldown")

	clock.Advance(time.Hour)
	_, ok = m.CheckPermission(ctx, q)
	assert.True(t, ok, "cooldown boundary is inclusive")

	clock.Advance(2 * time.Hour)
	_, ok = m.CheckPermission(ctx, q)
	assert.False(t, ok, "expired")

	assert.ErrorIs(t, m.RecordUse(ctx, "missing", time.Time{}), domain.ErrUnknownPermission)
}

func TestRevokePermission(t *testing.T) {
	m, log, _ := newTestManager(t)
	ctx := context.Background()

	p, err := m.GrantPermission(ctx, "A", swapConfig(1000))
	require.NoError(t, err)

	assert.ErrorIs(t, m.RevokePermission(ctx, "mallory", p.ID, "nope"), domain.ErrNotAuthorized)
	require.NoError(t, m.RevokePermission(ctx, "A", p.ID, "user request"))
	assert.ErrorIs(t, m.RevokePermission(ctx, "A", p.ID, "again"), domain.ErrInvalidRequest)
	assert.ErrorIs(t, m.RevokePermission(ctx, "A", "missing", ""), domain.ErrUnknownPermission)

	_, ok := m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap})
	assert.False(t, ok)

	got, err := m.GetPermission(p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "user request", got.RevokeReason)

	_, err = m.UpdatePermission(ctx, "A", p.ID, PermissionUpdate{MaxAmount: dec(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "revocation is irreversible")

	other, err := m.GrantPermission(ctx, "B", swapConfig(1000))
	require.NoError(t, err)
	require.NoError(t, m.RevokePermission(ctx, "root", other.ID, "admin"))

	assert.Len(t, log.ByAction(domain.AuditRevoke), 2)
}

func TestUpdatePermission_AuditsEachChangedField(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	p, err := m.GrantPermission(ctx, "A", swapConfig(1000))
	require.NoError(t, err)

	_, err = m.UpdatePermission(ctx, "B", p.ID, PermissionUpdate{MaxAmount: dec(10)})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	risk := uint8(11)
	_, err = m.UpdatePermission(ctx, "A", p.ID, PermissionUpdate{RiskTolerance: &risk})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	cooldown := 2 * time.Hour
	updated, err := m.UpdatePermission(ctx, "A", p.ID, PermissionUpdate{
		MaxAmount: dec(2000),
		Cooldown:  &cooldown,
	})
	require.NoError(t, err)
	assert.True(t, updated.MaxAmount.Equal(decimal.NewFromInt(2000)))

	var fields []string
	for _, e := range m.History(p.ID) {
		if e.Action == domain.AuditUpdate {
			fields = append(fields, e.Field)
		}
	}
	assert.ElementsMatch(t, []string{"max_amount", "cooldown"}, fields)

	_, err = m.UpdatePermission(ctx, "A", p.ID, PermissionUpdate{MaxAmount: dec(2000)})
	require.NoError(t, err)
	assert.Len(t, m.History(p.ID), 3, "identical update records nothing")
}

func TestAddConditionalRule(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cfg := RuleConfig{ID: "vol", Metric: "volatility", Threshold: 0.5, AutoRevoke: true}

	_, err := m.AddConditionalRule(ctx, "A", cfg)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = m.AddConditionalRule(ctx, "risk", cfg)
	require.NoError(t, err)

	_, err = m.AddConditionalRule(ctx, "risk", cfg)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = m.AddConditionalRule(ctx, "risk", RuleConfig{ID: "bad", Expression: "metrics.volatility >", AutoRevoke: true})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = m.AddConditionalRule(ctx, "risk", RuleConfig{ID: "num", Expression: "value + 1.0", AutoRevoke: true})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig, "non-bool expression")

	_, err = m.AddConditionalRule(ctx, "risk", RuleConfig{ID: "noop", Metric: "volatility"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	assert.ErrorIs(t, m.DeactivateRule(ctx, "risk", "missing"), domain.ErrUnknownRule)
	require.NoError(t, m.DeactivateRule(ctx, "root", "vol"))
	r, err := m.GetRule("vol")
	require.NoError(t, err)
	assert.False(t, r.Active)
}

func TestEvaluateConditions_AutoRevokeAfterGracePeriod(t *testing.T) {
	m, log, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddConditionalRule(ctx, "risk", RuleConfig{
		ID: "vol", Metric: "volatility", Threshold: 0.5, AutoRevoke: true, GracePeriod: 10 * time.Minute,
	})
	require.NoError(t, err)

	cfg := swapConfig(1000)
	cfg.Conditions = []string{"vol"}
	guarded, err := m.GrantPermission(ctx, "A", cfg)
	require.NoError(t, err)
	free, err := m.GrantPermission(ctx, "A", swapConfig(50))
	require.NoError(t, err)

	snapshot := func(v float64) domain.MarketSnapshot {
		return domain.MarketSnapshot{Values: map[string]float64{"volatility": v}, TakenAt: clock.now}
	}

	firings, err := m.EvaluateConditions(ctx, snapshot(0.7))
	require.NoError(t, err)
	assert.Empty(t, firings, "grace period not elapsed")

	_, ok := m.CheckPermission(ctx, Query{User: "A", Action: domain.ActionSwap, Amount: dec(500)})
	assert.False(t, ok, "attached condition does not hold while breached")

	clock.Advance(10 * time.Minute)
	firings, err = m.EvaluateConditions(ctx, snapshot(0.8))
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, []string{guarded.ID}, firings[0].Revoked)

	got, err := m.GetPermission(guarded.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "auto-revoke:vol", got.RevokeReason)

	stillFree, err := m.GetPermission(free.ID)
	require.NoError(t, err)
	assert.True(t, stillFree.Active)

	firings, err = m.EvaluateConditions(ctx, snapshot(0.9))
	require.NoError(t, err)
	assert.Empty(t, firings, "fires once per breach episode")

	require.Len(t, log.ByAction(domain.AuditAutoRevoke), 1)
	assert.Equal(t, domain.ActorPermissionManager, log.ByAction(domain.AuditAutoRevoke)[0].ActorID)

	_, err = m.EvaluateConditions(ctx, snapshot(0.1))
	require.NoError(t, err)
	r, err := m.GetRule("vol")
	require.NoError(t, err)
	assert.True(t, r.BreachedSince.IsZero())
	assert.False(t, r.Fired)
}

func TestEvaluateConditions_MissingMetricKeepsState(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddConditionalRule(ctx, "risk", RuleConfig{ID: "dd", Metric: "drawdown", Threshold: 0.2, AutoRevoke: true, GracePeriod: time.Hour})
	require.NoError(t, err)

	_, err = m.EvaluateConditions(ctx, domain.MarketSnapshot{Values: map[string]float64{"drawdown": 0.3}})
	require.NoError(t, err)
	_, err = m.EvaluateConditions(ctx, domain.MarketSnapshot{Values: map[string]float64{"volatility": 0.1}})
	require.NoError(t, err)

	r, err := m.GetRule("dd")
	require.NoError(t, err)
	assert.False(t, r.BreachedSince.IsZero())
}

func TestEvaluateConditions_ExpressionAndEscalation(t *testing.T) {
	m, log, _ := newTestManager(t)
	ctx := context.Background()
	opener := &fakeOpener{}
	m.SetVoteOpener(opener)

	_, err := m.AddConditionalRule(ctx, "risk", RuleConfig{
		ID:               "combo",
		Metric:           "volatility",
		Threshold:        0.5,
		Expression:       `value > threshold && metrics["drawdown"] > 0.1`,
		AutoRevoke:       true,
		EscalateToVoting: true,
	})
	require.NoError(t, err)

	cfg := swapConfig(1000)
	cfg.Conditions = []string{"combo"}
	p, err := m.GrantPermission(ctx, "A", cfg)
	require.NoError(t, err)

	firings, err := m.EvaluateConditions(ctx, domain.MarketSnapshot{Values: map[string]float64{"volatility": 0.6, "drawdown": 0.05}})
	require.NoError(t, err)
	assert.Empty(t, firings)

	firings, err = m.EvaluateConditions(ctx, domain.MarketSnapshot{Values: map[string]float64{"volatility": 0.6, "drawdown": 0.2}})
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, uint64(1), firings[0].VoteID)
	assert.Equal(t, []string{p.ID}, firings[0].Revoked)
	assert.Equal(t, 1, opener.calls)
	assert.Contains(t, string(opener.payload), p.ID)
	assert.Len(t, log.ByAction(domain.AuditEscalated), 1)
}

func TestEvaluateConditions_EscalationFailureIsReported(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	m.SetVoteOpener(&fakeOpener{err: domain.ErrEmergencyPaused})

	_, err := m.AddConditionalRule(ctx, "risk", RuleConfig{ID: "vol", Metric: "volatility", Threshold: 0.5, EscalateToVoting: true})
	require.NoError(t, err)

	firings, err := m.EvaluateConditions(ctx, domain.MarketSnapshot{Values: map[string]float64{"volatility": 0.9}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmergencyPaused))
	require.Len(t, firings, 1)
	assert.ErrorIs(t, firings[0].EscalationErr, domain.ErrEmergencyPaused)
}

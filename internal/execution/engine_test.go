package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/access"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/strategy"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	audit    *audit.Log
	clock    *testClock
	registry *strategy.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &testClock{now: t0}

	authz := access.NewAuthorizer()
	authz.Grant("root", access.CapAdmin)
	authz.Grant("ops", access.CapStrategyManager)
	authz.Grant("agent", access.CapExecutor)

	registry := strategy.NewRegistry()
	require.NoError(t, registry.Register("ok", strategy.HandlerFunc(func(context.Context, strategy.Invocation) (strategy.Outcome, error) {
		return strategy.Outcome{ReturnData: []byte(`{"ok":true}`), GasUsed: 1}, nil
	})))

	log := audit.NewLog(nil).WithClock(clock.Now)
	e := NewEngine(cfg, registry, authz, log, nil).WithClock(clock.Now)
	return &fixture{engine: e, audit: log, clock: clock, registry: registry}
}

func (f *fixture) register(t *testing.T, id, handler string, cooldown time.Duration) {
	t.Helper()
	_, err := f.engine.RegisterStrategy(context.Background(), "ops", StrategyConfig{
		ID: id, Handler: handler, MaxGasLimit: 10, MaxSlippageBps: 100, Cooldown: cooldown,
	})
	require.NoError(t, err)
}

func (f *fixture) request(strategyID string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		Requester:      "alice",
		StrategyID:     strategyID,
		Params:         []byte(`{"token_in":"USDC","token_out":"ETH"}`),
		MaxSlippageBps: 50,
		Deadline:       f.clock.Now().Add(time.Hour),
	}
}

func TestExecuteStrategy_CooldownScenario(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "S1", "ok", 300*time.Second)
	ctx := context.Background()

	res, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	f.clock.Set(t0.Add(100 * time.Second))
	_, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	assert.ErrorIs(t, err, domain.ErrCooldownActive)
	assert.True(t, domain.IsTransient(err))

	f.clock.Set(t0.Add(301 * time.Second))
	res, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	s, err := f.engine.GetStrategy("S1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(301*time.Second), s.LastExecution)
}

func TestExecuteStrategy_FailingHandlerStillEnforcesCooldown(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("boom", strategy.HandlerFunc(func(context.Context, strategy.Invocation) (strategy.Outcome, error) {
		return strategy.Outcome{}, errors.New("venue rejected")
	})))
	f.register(t, "S1", "boom", time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		f.clock.Set(at)

		res, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
		require.NoError(t, err, "handler failure is not an engine error")
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, domain.ErrExecutionFailure.Error())
		assert.Contains(t, res.Error, "venue rejected")

		f.clock.Set(at.Add(30 * time.Second))
		_, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
		assert.ErrorIs(t, err, domain.ErrCooldownActive)
	}

	history := f.engine.GetUserExecutions("alice", 0)
	require.Len(t, history, 3)
	for _, r := range history {
		status, err := f.engine.GetExecutionStatus(r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, status)
	}
}

func TestExecuteStrategy_PanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("panic", strategy.HandlerFunc(func(context.Context, strategy.Invocation) (strategy.Outcome, error) {
		panic("nil pointer in handler")
	})))
	f.register(t, "S1", "panic", time.Minute)

	res, err := f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S1"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestExecuteStrategy_BudgetTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.ExecutionBudget = 20 * time.Millisecond
	f := newFixture(t, cfg)
	require.NoError(t, f.registry.Register("slow", strategy.HandlerFunc(func(ctx context.Context, _ strategy.Invocation) (strategy.Outcome, error) {
		<-ctx.Done()
		return strategy.Outcome{}, ctx.Err()
	})))
	f.register(t, "S1", "slow", time.Minute)

	res, err := f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S1"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrBudgetTimeout.Error())
}

func TestExecuteStrategy_OperationBudgetOverrun(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("greedy", strategy.HandlerFunc(func(context.Context, strategy.Invocation) (strategy.Outcome, error) {
		return strategy.Outcome{GasUsed: 11}, nil
	})))
	f.register(t, "S1", "greedy", time.Minute)

	res, err := f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S1"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, uint64(11), res.GasUsed)
	assert.Contains(t, res.Error, strategy.ErrBudgetExceeded.Error())
}

func TestExecuteStrategy_ReentrantCallRejected(t *testing.T) {
	tests := []struct {
		name      string
		nestedCtx func(handlerCtx context.Context) context.Context
	}{
		{"handler context", func(ctx context.Context) context.Context { return ctx }},
		{"fresh context", func(context.Context) context.Context { return context.Background() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			var nestedErr error
			require.NoError(t, f.registry.Register("reenter", strategy.HandlerFunc(func(ctx context.Context, inv strategy.Invocation) (strategy.Outcome, error) {
				_, nestedErr = f.engine.ExecuteStrategy(tt.nestedCtx(ctx), "agent", f.request("S2"))
				return strategy.Outcome{GasUsed: 1}, nil
			})))
			f.register(t, "S1", "reenter", time.Minute)
			f.register(t, "S2", "ok", time.Minute)

			res, err := f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S1"))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.ErrorIs(t, nestedErr, domain.ErrReentrantCall)

			s2, err := f.engine.GetStrategy("S2")
			require.NoError(t, err)
			assert.True(t, s2.LastExecution.IsZero(), "nested call must not consume cooldown")
			assert.Len(t, f.engine.GetUserExecutions("alice", 0), 1)

			// после завершения dispatch движок снова принимает запросы
			_, err = f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S2"))
			require.NoError(t, err)
		})
	}
}

func TestExecuteStrategy_CooldownCheckedBeforeValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "S1", "ok", time.Minute)
	ctx := context.Background()

	_, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	require.NoError(t, err)

	f.clock.Set(t0.Add(30 * time.Second))
	req := f.request("S1")
	req.Params = nil
	_, err = f.engine.ExecuteStrategy(ctx, "agent", req)
	assert.ErrorIs(t, err, domain.ErrCooldownActive)
	assert.Equal(t, "CooldownActive", domain.Category(err))

	f.clock.Set(t0.Add(time.Minute))
	_, err = f.engine.ExecuteStrategy(ctx, "agent", req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestExecuteStrategy_Rejections(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "S1", "ok", time.Minute)
	ctx := context.Background()

	tests := []struct {
		name    string
		actor   string
		mutate  func(*domain.ExecutionRequest)
		wantErr error
	}{
		{"not an executor", "alice", func(*domain.ExecutionRequest) {}, domain.ErrNotAuthorized},
		{"unknown strategy", "agent", func(r *domain.ExecutionRequest) { r.StrategyID = "nope" }, domain.ErrUnknownStrategy},
		{"no requester", "agent", func(r *domain.ExecutionRequest) { r.Requester = "" }, domain.ErrInvalidRequest},
		{"empty params", "agent", func(r *domain.ExecutionRequest) { r.Params = nil }, domain.ErrInvalidRequest},
		{"params not json", "agent", func(r *domain.ExecutionRequest) { r.Params = []byte("{") }, domain.ErrInvalidRequest},
		{"slippage above max", "agent", func(r *domain.ExecutionRequest) { r.MaxSlippageBps = 1_001 }, domain.ErrInvalidRequest},
		{"deadline passed", "agent", func(r *domain.ExecutionRequest) { r.Deadline = t0 }, domain.ErrDeadlineExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("S1")
			tt.mutate(&req)
			_, err := f.engine.ExecuteStrategy(ctx, tt.actor, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	s, err := f.engine.GetStrategy("S1")
	require.NoError(t, err)
	assert.True(t, s.LastExecution.IsZero(), "rejected requests change nothing")
	assert.Empty(t, f.engine.GetUserExecutions("alice", 0))

	require.NoError(t, f.engine.DeactivateStrategy(ctx, "ops", "S1"))
	_, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestEmergencyPause(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "S1", "ok", time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.EmergencyPause(ctx, "agent", "x"), domain.ErrNotAuthorized)
	require.NoError(t, f.engine.EmergencyPause(ctx, "root", "oracle manipulation"))
	assert.True(t, f.engine.IsPaused())
	assert.Equal(t, "root", f.engine.PauseStatus().ActivatedBy)

	_, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	assert.ErrorIs(t, err, domain.ErrEmergencyPaused)

	s, err := f.engine.GetStrategy("S1")
	require.NoError(t, err)
	assert.True(t, s.Active, "pause is independent of strategy state")
	assert.True(t, s.LastExecution.IsZero())

	require.NoError(t, f.engine.ResumeExecutions(ctx, "root"))
	_, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	require.NoError(t, err)

	assert.Len(t, f.audit.ByAction(domain.AuditEmergencyPause), 1)
	assert.Len(t, f.audit.ByAction(domain.AuditResume), 1)
}

func TestRegisterStrategy_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStrategies = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	valid := StrategyConfig{ID: "S1", Handler: "ok", MaxGasLimit: 10, MaxSlippageBps: 100, Cooldown: time.Minute}

	tests := []struct {
		name   string
		mutate func(*StrategyConfig)
	}{
		{"empty id", func(c *StrategyConfig) { c.ID = "" }},
		{"unknown handler", func(c *StrategyConfig) { c.Handler = "grid" }},
		{"zero gas", func(c *StrategyConfig) { c.MaxGasLimit = 0 }},
		{"gas above max", func(c *StrategyConfig) { c.MaxGasLimit = domain.MaxGasLimit + 1 }},
		{"slippage above max", func(c *StrategyConfig) { c.MaxSlippageBps = domain.MaxSlippageBps + 1 }},
		{"cooldown below min", func(c *StrategyConfig) { c.Cooldown = 59 * time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			_, err := f.engine.RegisterStrategy(ctx, "ops", c)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}

	_, err := f.engine.RegisterStrategy(ctx, "agent", valid)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.engine.RegisterStrategy(ctx, "ops", valid)
	require.NoError(t, err)
	_, err = f.engine.RegisterStrategy(ctx, "ops", valid)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	valid.ID = "S2"
	_, err = f.engine.RegisterStrategy(ctx, "ops", valid)
	require.NoError(t, err)
	valid.ID = "S3"
	_, err = f.engine.RegisterStrategy(ctx, "ops", valid)
	assert.ErrorIs(t, err, domain.ErrTooManyStrategies)

	_, err = f.engine.UpdateStrategy(ctx, "ops", "S9", valid)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestUpdateStrategy_IdenticalFieldsIsNoop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	cfg := StrategyConfig{ID: "S1", Handler: "ok", MaxGasLimit: 10, MaxSlippageBps: 100, Cooldown: time.Minute}

	_, err := f.engine.RegisterStrategy(ctx, "ops", cfg)
	require.NoError(t, err)
	_, err = f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
	require.NoError(t, err)

	before, err := f.engine.GetStrategy("S1")
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour))
	after, err := f.engine.UpdateStrategy(ctx, "ops", "S1", cfg)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("identical update changed the strategy (-before +after):\n%s", diff)
	}

	cfg.Cooldown = 2 * time.Minute
	changed, err := f.engine.UpdateStrategy(ctx, "ops", "S1", cfg)
	require.NoError(t, err)
	assert.Equal(t, before.LastExecution, changed.LastExecution)
	assert.Equal(t, before.CreatedAt, changed.CreatedAt)
	assert.Equal(t, 2*time.Minute, changed.Cooldown)

	updates := f.audit.ByAction(domain.AuditUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "cooldown", updates[0].Field)
}

func TestCancelExecution(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, DefaultConfig())
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("wait", strategy.HandlerFunc(func(ctx context.Context, _ strategy.Invocation) (strategy.Outcome, error) {
		close(started)
		<-ctx.Done()
		return strategy.Outcome{GasUsed: 1}, nil
	})))
	f.register(t, "S1", "wait", time.Minute)
	ctx := context.Background()

	type outcome struct {
		res *domain.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
		done <- outcome{res, err}
	}()
	<-started

	reqs := f.engine.GetUserExecutions("alice", 1)
	require.Len(t, reqs, 1)
	id := reqs[0].ID

	status, err := f.engine.GetExecutionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	assert.ErrorIs(t, f.engine.CancelExecution(ctx, "bob", id, "mine"), domain.ErrNotAuthorized)
	require.NoError(t, f.engine.CancelExecution(ctx, "alice", id, "market moved"))

	got := <-done
	require.NoError(t, got.err)
	assert.False(t, got.res.Success)
	assert.Equal(t, "cancelled: market moved", got.res.Error)

	stored, ok := f.engine.GetResult(id)
	require.True(t, ok)
	assert.Equal(t, "cancelled: market moved", stored.Error)

	assert.ErrorIs(t, f.engine.CancelExecution(ctx, "alice", id, "again"), domain.ErrInvalidRequest)
	assert.ErrorIs(t, f.engine.CancelExecution(ctx, "alice", "missing", ""), domain.ErrUnknownRequest)
}

func TestSlippageExceededSignal(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	venue := strategy.NewPaperVenue(200)
	require.NoError(t, f.registry.Register(strategy.HandlerSwap, strategy.NewSwapHandler(venue)))
	f.register(t, "S1", strategy.HandlerSwap, time.Minute)

	var events []SlippageEvent
	f.engine.OnSlippageExceeded(func(_ context.Context, ev SlippageEvent) {
		events = append(events, ev)
	})

	req := f.request("S1")
	req.Params = []byte(`{"token_in":"USDC","token_out":"ETH","amount_in":"1000","expected_out":"10000"}`)
	req.MaxSlippageBps = 500

	res, err := f.engine.ExecuteStrategy(context.Background(), "agent", req)
	require.NoError(t, err)
	assert.True(t, res.Success, "recorded outcome is unchanged")
	assert.Equal(t, uint32(200), res.ActualSlippageBps)

	require.Len(t, events, 1)
	assert.Equal(t, uint32(100), events[0].CeilingBps)
	assert.Equal(t, uint32(200), events[0].ActualBps)
	assert.Len(t, f.audit.ByAction(domain.AuditSlippageExceeded), 1)
	assert.Len(t, venue.Orders(), 1)
	assert.True(t, venue.Orders()[0].MinOut.Equal(decimal.NewFromInt(9_500)))
}

func TestSlippageExceededSignal_RejectedFill(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	venue := strategy.NewPaperVenue(300)
	require.NoError(t, f.registry.Register(strategy.HandlerSwap, strategy.NewSwapHandler(venue)))
	f.register(t, "S1", strategy.HandlerSwap, time.Minute)

	var events []SlippageEvent
	f.engine.OnSlippageExceeded(func(_ context.Context, ev SlippageEvent) {
		events = append(events, ev)
	})

	req := f.request("S1")
	req.Params = []byte(`{"token_in":"USDC","token_out":"ETH","amount_in":"1000","expected_out":"10000"}`)
	req.MaxSlippageBps = 50

	res, err := f.engine.ExecuteStrategy(context.Background(), "agent", req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "below min")
	assert.Equal(t, uint32(300), res.ActualSlippageBps)

	stored, ok := f.engine.GetResult(res.RequestID)
	require.True(t, ok)
	assert.Equal(t, uint32(300), stored.ActualSlippageBps)

	require.Len(t, events, 1)
	assert.Equal(t, uint32(100), events[0].CeilingBps)
	assert.Equal(t, uint32(300), events[0].ActualBps)
	assert.False(t, events[0].Result.Success)
	assert.Len(t, f.audit.ByAction(domain.AuditSlippageExceeded), 1)
}

type memRecorder struct {
	mu       sync.Mutex
	requests []domain.ExecutionRequest
	results  []domain.ExecutionResult
	err      error
}

func (m *memRecorder) RecordRequest(_ context.Context, r domain.ExecutionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, r)
	return m.err
}

func (m *memRecorder) RecordResult(_ context.Context, r domain.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return m.err
}

func TestRecorderAndHistory(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rec := &memRecorder{err: errors.New("db down")}
	f.engine.SetRecorder(rec)
	f.register(t, "S1", "ok", time.Minute)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		res, err := f.engine.ExecuteStrategy(ctx, "agent", f.request("S1"))
		require.NoError(t, err, "recorder failures do not fail the core")
		ids = append(ids, res.RequestID)
	}

	assert.Len(t, rec.requests, 3)
	assert.Len(t, rec.results, 3)
	assert.Equal(t, uint64(3), rec.requests[2].Sequence)

	latest := f.engine.GetUserExecutions("alice", 2)
	require.Len(t, latest, 2)
	assert.Equal(t, ids[2], latest[0].ID)
	assert.Equal(t, ids[1], latest[1].ID)

	assert.Len(t, ids[0], 64)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, RequestID("alice", "S1", t0, 1), ids[0])

	_, err := f.engine.GetRequest("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
	_, err = f.engine.GetExecutionStatus("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
}

func TestExecuteStrategy_ConcurrentCallsPassCooldownOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "S1", "ok", time.Minute)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		cooldown int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ExecuteStrategy(context.Background(), "agent", f.request("S1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrCooldownActive):
				cooldown++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, workers-1, cooldown)
}

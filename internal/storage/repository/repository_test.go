package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

var ts = time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC)

func TestAuditRepository_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAuditRepository(db)
	event := &domain.AuditEvent{
		ID: "e1", ActorID: "alice", EntityType: domain.EntityPermission, EntityID: "p1",
		Action: domain.AuditGrant, Field: "action", NewValue: "SWAP", Timestamp: ts,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("e1", "alice", domain.EntityPermission, "p1", domain.AuditGrant, "action", "", "SWAP", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_GetByEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewAuditRepository(db)
	cols := []string{"id", "actor_id", "entity_type", "entity_id", "action", "field", "old_value", "new_value", "created_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("e1", "alice", "strategy", "S1", "register", "handler", "", "swap", ts).
		AddRow("e2", "ops", "strategy", "S1", "update", "cooldown", "1m0s", "2m0s", ts.Add(time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE entity_type = $1 AND entity_id = $2")).
		WithArgs("strategy", "S1").
		WillReturnRows(rows)

	events, err := repo.GetByEntity(context.Background(), "strategy", "S1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "2m0s", events[1].NewValue)
	assert.Equal(t, ts.Add(time.Minute), events[1].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_GetRecentError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(10).
		WillReturnError(sqlmock.ErrCancelled)

	_, err = NewAuditRepository(db).GetRecent(context.Background(), 10)
	assert.ErrorIs(t, err, sqlmock.ErrCancelled)
}

func TestExecutionRepository_SaveRequestAndResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	req := &domain.ExecutionRequest{
		ID: "r1", Requester: "alice", StrategyID: "S1", Params: []byte(`{"a":1}`),
		MaxSlippageBps: 50, Deadline: ts.Add(time.Hour), Sequence: 7, CreatedAt: ts,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_requests")).
		WithArgs("r1", "alice", "S1", `{"a":1}`, uint32(50), ts.Add(time.Hour), 0, false, uint64(7), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveRequest(ctx, req))

	res := &domain.ExecutionResult{RequestID: "r1", Success: false, GasUsed: 1, CompletedAt: ts, Error: "execution failure: boom"}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (request_id) DO NOTHING")).
		WithArgs("r1", false, sqlmock.AnyArg(), uint64(1), uint32(0), ts, "execution failure: boom").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveResult(ctx, res))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_GetByRequester(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"id", "requester", "strategy_id", "params", "max_slippage_bps", "deadline", "priority", "requires_approval", "sequence", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY sequence DESC")).
		WithArgs("alice", 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r2", "alice", "S1", []byte(`{}`), 50, ts.Add(time.Hour), 0, false, 2, ts.Add(time.Minute)).
			AddRow("r1", "alice", "S1", []byte(`{}`), 50, ts.Add(time.Hour), 0, false, 1, ts))

	reqs, err := NewExecutionRepository(db).GetByRequester(context.Background(), "alice", 5)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "r2", reqs[0].ID)
	assert.Equal(t, uint64(2), reqs[0].Sequence)
	assert.Equal(t, uint32(50), reqs[1].MaxSlippageBps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_GetResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)
	cols := []string{"request_id", "success", "return_data", "gas_used", "actual_slippage_bps", "completed_at", "error_message"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_results")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", true, []byte(`{"ok":true}`), 1, 20, ts, ""))
	res, err := repo.GetResult(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint32(20), res.ActualSlippageBps)
	assert.JSONEq(t, `{"ok":true}`, string(res.ReturnData))

	mock.ExpectQuery(regexp.QuoteMeta("FROM execution_results")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = repo.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)

	assert.NoError(t, mock.ExpectationsWereMet())
}

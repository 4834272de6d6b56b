package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range migrations {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, NewFromDB(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_events")).
		WillReturnError(errors.New("permission denied"))

	err = NewFromDB(db).Migrate(context.Background())
	assert.ErrorContains(t, err, "migration failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditSink_PersistsThroughLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewFromDB(db)
	log := audit.NewLog(nil, NewAuditSink(s.Audit()))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs(sqlmock.AnyArg(), "root", domain.EntityEngine, "execution", domain.AuditEmergencyPause,
			"reason", "", "exploit", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	log.Record(context.Background(), "root", domain.EntityEngine, "execution", domain.AuditEmergencyPause, "reason", "", "exploit")
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, log.Len())
}

func TestExecutionLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewExecutionLedger(NewFromDB(db).Executions())
	ctx := context.Background()
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO execution_results")).
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, ledger.RecordRequest(ctx, domain.ExecutionRequest{
		ID: "r1", Requester: "alice", StrategyID: "S1", Params: []byte(`{}`), Deadline: now, CreatedAt: now,
	}))
	err = ledger.RecordResult(ctx, domain.ExecutionResult{RequestID: "r1", CompletedAt: now})
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOptionsDSN(t *testing.T) {
	opts := Options{Host: "db", Port: 5432, User: "zule", Password: "secret", DBName: "agentzule", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=zule password=secret dbname=agentzule sslmode=disable", opts.DSN())
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/storage/repository"
)

// Options параметры подключения и пула
type Options struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN строка подключения lib/pq
func (o Options) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, o.Port, o.User, o.Password, o.DBName, o.SSLMode)
}

// PostgresStorage является фасадом для работы с PostgreSQL через репозитории
type PostgresStorage struct {
	db         *sql.DB
	audit      *repository.AuditRepository
	executions *repository.ExecutionRepository
}

// NewPostgresStorage открывает соединение и применяет миграции
func NewPostgresStorage(ctx context.Context, opts Options) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Настройка connection pool из конфигурации
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	storage := NewFromDB(db)
	if err := storage.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return storage, nil
}

// NewFromDB оборачивает готовое соединение без миграций
func NewFromDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{
		db:         db,
		audit:      repository.NewAuditRepository(db),
		executions: repository.NewExecutionRepository(db),
	}
}

var migrations = []string{
	// Audit log: только INSERT, записи не удаляются
	`CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(64) PRIMARY KEY,
		actor_id VARCHAR(128) NOT NULL,
		entity_type VARCHAR(32) NOT NULL,
		entity_id VARCHAR(128) NOT NULL,
		action VARCHAR(32) NOT NULL,
		field VARCHAR(64) NOT NULL DEFAULT '',
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS execution_requests (
		id CHAR(64) PRIMARY KEY,
		requester VARCHAR(128) NOT NULL,
		strategy_id VARCHAR(128) NOT NULL,
		params JSONB NOT NULL,
		max_slippage_bps INTEGER NOT NULL,
		deadline TIMESTAMPTZ NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		requires_approval BOOLEAN NOT NULL DEFAULT false,
		sequence BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// Результат пишется один раз на запрос
	`CREATE TABLE IF NOT EXISTS execution_results (
		request_id CHAR(64) PRIMARY KEY REFERENCES execution_requests(id),
		success BOOLEAN NOT NULL,
		return_data BYTEA,
		gas_used BIGINT NOT NULL DEFAULT 0,
		actual_slippage_bps INTEGER NOT NULL DEFAULT 0,
		completed_at TIMESTAMPTZ NOT NULL,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	// Индексы
	`CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_requests_requester ON execution_requests(requester, sequence)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_requests_strategy ON execution_requests(strategy_id)`,
}

// Migrate применяет миграции (идемпотентно)
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ==================== AUDIT ====================

func (s *PostgresStorage) SaveAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	return s.audit.Save(ctx, event)
}

func (s *PostgresStorage) GetRecentAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	return s.audit.GetRecent(ctx, limit)
}

// ==================== EXECUTIONS ====================

func (s *PostgresStorage) GetUserExecutions(ctx context.Context, requester string, limit int) ([]domain.ExecutionRequest, error) {
	return s.executions.GetByRequester(ctx, requester, limit)
}

// Audit репозиторий audit log
func (s *PostgresStorage) Audit() domain.AuditRepository {
	return s.audit
}

// Executions репозиторий исполнений
func (s *PostgresStorage) Executions() domain.ExecutionRepository {
	return s.executions
}

// Close закрывает соединение с базой данных
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// DB возвращает указатель на *sql.DB
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// AuditRepository хранит append-only audit log
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository создает новый репозиторий audit событий
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Save сохраняет событие. Повторная запись того же id игнорируется.
func (r *AuditRepository) Save(ctx context.Context, event *domain.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, actor_id, entity_type, entity_id, action,
			field, old_value, new_value, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.ActorID,
		event.EntityType,
		event.EntityID,
		event.Action,
		event.Field,
		event.OldValue,
		event.NewValue,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event %s: %w", event.ID, err)
	}
	return nil
}

// GetRecent последние N событий, новые первыми
func (r *AuditRepository) GetRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	query := `
		SELECT id, actor_id, entity_type, entity_id, action,
		       field, old_value, new_value, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.query(ctx, query, limit)
}

// GetByEntity история сущности в порядке записи
func (r *AuditRepository) GetByEntity(ctx context.Context, entityType, entityID string) ([]domain.AuditEvent, error) {
	query := `
		SELECT id, actor_id, entity_type, entity_id, action,
		       field, old_value, new_value, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`
	return r.query(ctx, query, entityType, entityID)
}

func (r *AuditRepository) query(ctx context.Context, query string, args ...interface{}) ([]domain.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.EntityType,
			&e.EntityID,
			&e.Action,
			&e.Field,
			&e.OldValue,
			&e.NewValue,
			&e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

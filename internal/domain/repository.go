package domain

import "context"

// AuditRepository определяет интерфейс для хранения audit log
type AuditRepository interface {
	Save(ctx context.Context, event *AuditEvent) error
	GetRecent(ctx context.Context, limit int) ([]AuditEvent, error)
	GetByEntity(ctx context.Context, entityType, entityID string) ([]AuditEvent, error)
}

// ExecutionRepository определяет интерфейс для журнала исполнений
type ExecutionRepository interface {
	SaveRequest(ctx context.Context, req *ExecutionRequest) error
	SaveResult(ctx context.Context, res *ExecutionResult) error
	GetByRequester(ctx context.Context, requester string, limit int) ([]ExecutionRequest, error)
	GetResult(ctx context.Context, requestID string) (*ExecutionResult, error)
}

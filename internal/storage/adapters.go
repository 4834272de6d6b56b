package storage

import (
	"context"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// AuditSink пишет audit события в репозиторий (audit.Sink)
type AuditSink struct {
	repo domain.AuditRepository
}

// NewAuditSink создает sink над репозиторием
func NewAuditSink(repo domain.AuditRepository) *AuditSink {
	return &AuditSink{repo: repo}
}

func (s *AuditSink) Write(ctx context.Context, event domain.AuditEvent) error {
	return s.repo.Save(ctx, &event)
}

// ExecutionLedger сохраняет запросы и результаты движка исполнения (execution.Recorder)
type ExecutionLedger struct {
	repo domain.ExecutionRepository
}

// NewExecutionLedger создает ledger над репозиторием
func NewExecutionLedger(repo domain.ExecutionRepository) *ExecutionLedger {
	return &ExecutionLedger{repo: repo}
}

func (l *ExecutionLedger) RecordRequest(ctx context.Context, req domain.ExecutionRequest) error {
	return l.repo.SaveRequest(ctx, &req)
}

func (l *ExecutionLedger) RecordResult(ctx context.Context, res domain.ExecutionResult) error {
	return l.repo.SaveResult(ctx, &res)
}

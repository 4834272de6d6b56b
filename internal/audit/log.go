package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// Sink получатель audit событий (логи, БД, pub/sub, оператор)
type Sink interface {
	Write(ctx context.Context, event domain.AuditEvent) error
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(ctx context.Context, event domain.AuditEvent) error

func (f SinkFunc) Write(ctx context.Context, event domain.AuditEvent) error {
	return f(ctx, event)
}

// Log append-only журнал изменений. Записи никогда не удаляются.
type Log struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
	sinks  []Sink
	clock  func() time.Time
	logger *utils.Logger
}

// NewLog создает журнал
func NewLog(logger *utils.Logger, sinks ...Sink) *Log {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Log{
		sinks:  sinks,
		clock:  time.Now,
		logger: logger.Named("audit"),
	}
}

// WithClock подменяет часы для детерминированных тестов
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// AddSink подключает дополнительный sink
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append сохраняет событие и рассылает его sinks после освобождения lock.
// Ошибки sinks логируются и не влияют на ядро.
func (l *Log) Append(ctx context.Context, event domain.AuditEvent) domain.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock()
	}
	if event.ActorID == "" {
		event.ActorID = domain.ActorSystem
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(ctx, event); err != nil {
			l.logger.Warn("audit sink failed for %s/%s %s: %v", event.EntityType, event.EntityID, event.Action, err)
		}
	}
	return event
}

// Record короткая форма Append
func (l *Log) Record(ctx context.Context, actor, entityType, entityID, action, field, oldValue, newValue string) domain.AuditEvent {
	return l.Append(ctx, domain.AuditEvent{
		ActorID:    actor,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Field:      field,
		OldValue:   oldValue,
		NewValue:   newValue,
	})
}

// All возвращает копию всех событий в порядке записи
func (l *Log) All() []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// ByEntity события конкретной сущности
func (l *Log) ByEntity(entityType, entityID string) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.AuditEvent
	for _, e := range l.events {
		if e.EntityType == entityType && (entityID == "" || e.EntityID == entityID) {
			out = append(out, e)
		}
	}
	return out
}

// ByAction события с указанным action
func (l *Log) ByAction(action string) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.AuditEvent
	for _, e := range l.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Len количество записей
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

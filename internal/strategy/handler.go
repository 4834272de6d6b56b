// Package strategy содержит исполнители стратегий, которые ExecutionEngine вызывает через Handler.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// ErrBudgetExceeded handler исчерпал operation budget стратегии
var ErrBudgetExceeded = errors.New("operation budget exceeded")

// Invocation входные данные одного исполнения
type Invocation struct {
	Request  domain.ExecutionRequest
	Strategy domain.Strategy
	Meter    *Meter
}

// Outcome результат handler. ExpectedOut/ActualOut используются для расчета slippage.
type Outcome struct {
	ReturnData  []byte
	GasUsed     uint64
	ExpectedOut decimal.Decimal
	ActualOut   decimal.Decimal
}

// Handler исполнитель стратегии
type Handler interface {
	Execute(ctx context.Context, inv Invocation) (Outcome, error)
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(ctx context.Context, inv Invocation) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// Meter счетчик операций (вызовов venue) в пределах лимита стратегии
type Meter struct {
	mu    sync.Mutex
	limit uint64
	used  uint64
}

// NewMeter создает счетчик с лимитом
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Spend списывает n операций. Сверх лимита возвращает ErrBudgetExceeded и ничего не списывает.
func (m *Meter) Spend(n uint64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+n > m.limit {
		return fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, m.used, n, m.limit)
	}
	m.used += n
	return nil
}

// Used сколько операций списано
func (m *Meter) Used() uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Registry name -> Handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет handler под именем
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: handler name and implementation are required", domain.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: handler %s", domain.ErrAlreadyExists, name)
	}
	r.handlers[name] = h
	return nil
}

// Get возвращает handler по имени
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names отсортированный список имен
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

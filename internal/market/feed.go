// Package market снимки рыночных метрик для conditional rules с failover между источниками.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// DefaultCacheTTL сколько последний снимок остается валидным при недоступных источниках
const DefaultCacheTTL = 5 * time.Minute

// ErrSnapshotUnavailable все источники недоступны и кеш устарел
var ErrSnapshotUnavailable = errors.New("market snapshot unavailable")

// Source источник метрик (oracle)
type Source interface {
	Name() string
	Metrics(ctx context.Context) (map[string]float64, error)
}

// Feed снимки с failover: primary, затем fallback по порядку, затем кеш
type Feed struct {
	mu        sync.Mutex
	primary   Source
	fallbacks []Source
	last      domain.MarketSnapshot
	ttl       time.Duration
	clock     func() time.Time
	logger    *utils.Logger
}

// NewFeed создает feed над основным источником
func NewFeed(primary Source, ttl time.Duration, logger *utils.Logger) *Feed {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Feed{
		primary: primary,
		ttl:     ttl,
		clock:   time.Now,
		logger:  logger.Named("market"),
	}
}

// WithClock подменяет часы
func (f *Feed) WithClock(clock func() time.Time) *Feed {
	f.clock = clock
	return f
}

// AddFallback добавляет запасной источник
func (f *Feed) AddFallback(s Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, s)
}

// Snapshot возвращает свежий снимок. Источники опрашиваются без lock.
func (f *Feed) Snapshot(ctx context.Context) (domain.MarketSnapshot, error) {
	f.mu.Lock()
	sources := make([]Source, 0, 1+len(f.fallbacks))
	if f.primary != nil {
		sources = append(sources, f.primary)
	}
	sources = append(sources, f.fallbacks...)
	f.mu.Unlock()

	var errs []error
	for i, s := range sources {
		values, err := s.Metrics(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if i > 0 {
			f.logger.Warn("using fallback source #%d (%s) for market snapshot", i, s.Name())
		}
		snap := domain.MarketSnapshot{
			Values:  copyValues(values),
			Source:  s.Name(),
			TakenAt: f.clock(),
		}
		f.mu.Lock()
		f.last = snap
		f.mu.Unlock()
		return cloneSnapshot(snap), nil
	}

	f.mu.Lock()
	cached := f.last
	f.mu.Unlock()
	if !cached.TakenAt.IsZero() {
		age := f.clock().Sub(cached.TakenAt)
		if age < f.ttl {
			f.logger.Warn("using cached market snapshot from %s (age: %v)", cached.Source, age)
			return cloneSnapshot(cached), nil
		}
	}
	return domain.MarketSnapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, errors.Join(errs...))
}

// Last последний успешный снимок (нулевой если не было)
func (f *Feed) Last() domain.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneSnapshot(f.last)
}

func cloneSnapshot(s domain.MarketSnapshot) domain.MarketSnapshot {
	s.Values = copyValues(s.Values)
	return s
}

func copyValues(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

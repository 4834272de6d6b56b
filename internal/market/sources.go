package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultMetricsKey hash с метриками, который пишет внешний collector
const DefaultMetricsKey = "agentzule:metrics"

// ErrNoMetrics источник пуст
var ErrNoMetrics = errors.New("no metrics available")

// StaticSource метрики в памяти процесса (операторы, тесты)
type StaticSource struct {
	mu     sync.RWMutex
	name   string
	values map[string]float64
	err    error
}

// NewStaticSource создает источник с начальными значениями
func NewStaticSource(name string, values map[string]float64) *StaticSource {
	return &StaticSource{name: name, values: copyValues(values)}
}

func (s *StaticSource) Name() string {
	return s.name
}

// Set обновляет одну метрику
func (s *StaticSource) Set(metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]float64)
	}
	s.values[metric] = value
}

// Fail заставляет источник возвращать ошибку; nil снимает сбой
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Metrics(context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.values) == 0 {
		return nil, ErrNoMetrics
	}
	return copyValues(s.values), nil
}

// RedisSource читает HGETALL key; значения - десятичные строки
type RedisSource struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSource создает источник над redis hash
func NewRedisSource(client redis.UniversalClient, key string) *RedisSource {
	if key == "" {
		key = DefaultMetricsKey
	}
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Name() string {
	return "redis:" + s.key
}

func (s *RedisSource) Metrics(ctx context.Context) (map[string]float64, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMetrics, s.key)
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %s=%q: %w", k, v, err)
		}
		out[k] = f
	}
	return out, nil
}

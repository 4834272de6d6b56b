package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

// DefaultQueueKey список Redis, куда внешний агент кладет рекомендации (JSON)
const DefaultQueueKey = "agentzule:recommendations"

const defaultBatch = 10

// RedisQueue источник рекомендаций поверх Redis list (RPUSH производителем, LPOP здесь)
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	batch  int
	logger *utils.Logger
}

// NewRedisQueue создает источник; за один Next забирается не более batch элементов
func NewRedisQueue(client redis.UniversalClient, key string, batch int, logger *utils.Logger) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &RedisQueue{client: client, key: key, batch: batch, logger: logger.Named("queue")}
}

// Push кладет рекомендацию в конец очереди
func (q *RedisQueue) Push(ctx context.Context, rec Recommendation) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recommendation: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush error: %w", err)
	}
	return nil
}

// Next забирает очередную пачку. Нечитаемые элементы пропускаются с предупреждением.
func (q *RedisQueue) Next(ctx context.Context) ([]Recommendation, error) {
	items, err := q.client.LPopCount(ctx, q.key, q.batch).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lpop error: %w", err)
	}

	recs := make([]Recommendation, 0, len(items))
	for _, item := range items {
		var rec Recommendation
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			q.logger.Warn("dropping malformed recommendation: %v", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

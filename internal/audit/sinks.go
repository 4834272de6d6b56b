package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
)

// ZapSink пишет события в structured лог
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink создает sink поверх zap
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Write(_ context.Context, e domain.AuditEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("actor", e.ActorID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("action", e.Action),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.Field != "" {
		fields = append(fields,
			zap.String("field", e.Field),
			zap.String("old", e.OldValue),
			zap.String("new", e.NewValue),
		)
	}
	s.logger.Info("audit", fields...)
	return nil
}

// DefaultChannel канал pub/sub для dashboard и мониторинга
const DefaultChannel = "agentzule:audit"

// RedisPublisher публикует события в Redis pub/sub
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher создает publisher поверх готового клиента
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Write(ctx context.Context, e domain.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish error: %w", err)
	}
	return nil
}

// FilterSink пропускает только события с указанными actions
func FilterSink(next Sink, actions ...string) Sink {
	allowed := make(map[string]bool, len(actions))
	for _, a := range actions {
		allowed[a] = true
	}
	return SinkFunc(func(ctx context.Context, e domain.AuditEvent) error {
		if !allowed[e.Action] {
			return nil
		}
		return next.Write(ctx, e)
	})
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CatalogUpdateChannel carries catalog change notifications between instances.
const CatalogUpdateChannel = "ad-catalog-updates"

// UpdateMessage describes a catalog change published on CatalogUpdateChannel.
type UpdateMessage struct {
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     int64  `json:"id,omitempty"`
}

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// PublishCatalogUpdate notifies other instances that the catalog changed.
func (r *RedisStore) PublishCatalogUpdate(ctx context.Context, msg UpdateMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := r.Client.Publish(ctx, CatalogUpdateChannel, data).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// SubscribeCatalogUpdates calls fn for every update received until ctx is
// cancelled. Malformed payloads are logged and skipped. The subscription is
// confirmed before SubscribeCatalogUpdates returns.
func (r *RedisStore) SubscribeCatalogUpdates(ctx context.Context, fn func(UpdateMessage)) error {
	sub := r.Client.Subscribe(ctx, CatalogUpdateChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", CatalogUpdateChannel, err)
	}

	go func() {
		defer func() {
			_ = sub.Close()
		}()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg UpdateMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					zap.L().Warn("invalid catalog update", zap.String("payload", m.Payload), zap.Error(err))
					continue
				}
				fn(msg)
			}
		}
	}()
	return nil
}

// FirstClick reports whether this is the first click for (sessionID, adID)
// inside window. The marker key expires with the window.
func (r *RedisStore) FirstClick(ctx context.Context, sessionID string, adID int64, window time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, clickDedupKey(sessionID, adID), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("click dedup: %w", err)
	}
	return ok, nil
}

// ReleaseClick drops the marker set by FirstClick so a retried click for
// (sessionID, adID) is accepted again.
func (r *RedisStore) ReleaseClick(ctx context.Context, sessionID string, adID int64) error {
	if err := r.Client.Del(ctx, clickDedupKey(sessionID, adID)).Err(); err != nil {
		return fmt.Errorf("release click: %w", err)
	}
	return nil
}

func clickDedupKey(sessionID string, adID int64) string {
	return fmt.Sprintf("clickdedup:%s:%d", sessionID, adID)
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}

// Package redis provides the shared leaderboard page cache and the
// cross-process rank pass lock.
package redis

import (
	"context"
	"fmt"

	"github.com/hypertrophy-rankings/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// keys builds namespaced key names.
type keys struct {
	prefix string
}

func (k keys) page(member string) string {
	return fmt.Sprintf("%s:page:%s", k.prefix, member)
}

func (k keys) fresh(member string) string {
	return fmt.Sprintf("%s:fresh:%s", k.prefix, member)
}

func (k keys) tag(kind, value string) string {
	return fmt.Sprintf("%s:tag:%s:%s", k.prefix, kind, value)
}

func (k keys) lock(board string) string {
	return fmt.Sprintf("%s:lock:rerank:%s", k.prefix, board)
}

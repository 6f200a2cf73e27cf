// Package redisguard shares the validation abuse guard between server
// instances through Redis.
package redisguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/MacMoment/licensing/internal/config"
	"github.com/MacMoment/licensing/internal/license"
)

// Guard implements license.Guard. Failures are an INCR counter that expires
// with the window; a block is a key with the block duration as TTL.
type Guard struct {
	client *redis.Client
	cfg    license.GuardConfig
	prefix string
	logger *slog.Logger
}

var _ license.Guard = (*Guard)(nil)

// NewClient builds a client from the redis configuration
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New creates a guard on client. prefix namespaces every key.
func New(client *redis.Client, cfg license.GuardConfig, prefix string, logger *slog.Logger) *Guard {
	return &Guard{
		client: client,
		cfg:    cfg,
		prefix: prefix,
		logger: logger.With(slog.String("component", "redis_guard")),
	}
}

func (g *Guard) failKey(ip string) string  { return g.prefix + "guard:fail:" + ip }
func (g *Guard) blockKey(ip string) string { return g.prefix + "guard:block:" + ip }

// Blocked reports whether a block key exists for ip
func (g *Guard) Blocked(ctx context.Context, ip string) (bool, error) {
	n, err := g.client.Exists(ctx, g.blockKey(ip)).Result()
	if err != nil {
		return false, fmt.Errorf("guard blocked check: %w", err)
	}
	return n > 0, nil
}

// RecordFailure counts a failure and blocks ip once the threshold is reached
func (g *Guard) RecordFailure(ctx context.Context, ip string) (bool, error) {
	key := g.failKey(ip)

	n, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("guard record failure: %w", err)
	}
	if n == 1 {
		if err := g.client.Expire(ctx, key, g.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("guard set window: %w", err)
		}
	}
	if n < int64(g.cfg.MaxFailures) {
		return false, nil
	}

	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, g.blockKey(ip), 1, g.cfg.BlockDuration)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("guard block: %w", err)
	}

	g.logger.WarnContext(ctx, "caller blocked after repeated unknown keys",
		slog.String("action", "security_violation"),
		slog.String("ip_address", ip),
		slog.Int("max_failures", g.cfg.MaxFailures),
		slog.Duration("block_duration", g.cfg.BlockDuration))
	return true, nil
}

// Reset forgets the failures of ip. An active block stays in place.
func (g *Guard) Reset(ctx context.Context, ip string) error {
	if err := g.client.Del(ctx, g.failKey(ip)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("guard reset: %w", err)
	}
	return nil
}

// Ping checks the connection
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

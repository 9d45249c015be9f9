package service

import (
	"context"
	"time"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/redis"
)

// Claimer 跨实例的一次性标记，同一个键只有第一个调用方返回 true
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// redisClaimer 基于 SET NX
type redisClaimer struct {
	client *redis.RedisClient
}

// NewRedisClaimer 创建 Redis 幂等标记
func NewRedisClaimer(client *redis.RedisClient) Claimer {
	return &redisClaimer{client: client}
}

func (c *redisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl)
	if err != nil {
		return false, errcode.Wrap(errcode.KindTransport, "claim_failed", "claim "+key, err)
	}
	return ok, nil
}

func (c *redisClaimer) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, key)
}

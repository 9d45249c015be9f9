package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/redis"
)

var errBusy = errors.New("lock busy")

// RedisLocker 跨实例键锁：SET NX PX + 令牌校验释放。
// TTL 必须覆盖一次完整的构建-签名-提交，超时后锁自动失效。
type RedisLocker struct {
	client *redis.RedisClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    logger.Logger
}

// NewRedisLocker 创建分布式键锁
func NewRedisLocker(client *redis.RedisClient, prefix string, ttl, retry time.Duration, log logger.Logger) *RedisLocker {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: retry, log: log}
}

// Lock 获取锁，直到成功或 ctx 结束
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errBusy
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(l.retry)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errcode.Wrap(errcode.KindTransport, "lock_failed", "acquire "+redisKey, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

// release 调用方的 ctx 可能已取消，释放用独立超时
func (l *RedisLocker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ok, err := l.client.CompareAndDelete(ctx, redisKey, token); err != nil || !ok {
		l.log.Warn(ctx, "Lock release skipped", logger.F("key", redisKey), logger.F("error", err), logger.F("held", ok))
	}
}

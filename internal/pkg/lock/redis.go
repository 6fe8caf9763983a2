package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/redis"
)

const unlockScriptName = "lock_release"

// 只删除自己持有的锁，防止锁过期后误删别人的锁
var unlockScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// RedisLocker 基于 SET NX PX 的分布式锁，适合多实例部署
type RedisLocker struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) (*RedisLocker, error) {
	if err := client.LoadScriptFromContent(unlockScriptName, unlockScript); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retryDelay: 20 * time.Millisecond}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.GetClient().SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "redis setnx %s", lockKey)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(ErrNotAcquired, "key %s: %v", lockKey, ctx.Err())
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// 调用方的 ctx 可能已取消，释放使用独立的短超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := l.client.RunScript(releaseCtx, unlockScriptName, []string{lockKey}, token); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", lockKey).Msg("failed to release redis lock, it will expire")
		}
	}, nil
}

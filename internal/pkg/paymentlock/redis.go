package paymentlock

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix          = "payment_lock:"
	DefaultTTL         = 30 * time.Second
	defaultRetryPeriod = 50 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises work per key across instances with SET NX PX. The
// TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client      *redis.Client
	ttl         time.Duration
	retryPeriod time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client:      client,
		ttl:         ttl,
		retryPeriod: defaultRetryPeriod,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := KeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			}
			return nil, err
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		// the caller's context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			log.Warnf("[PaymentLock] Failed to release %s: %v", redisKey, err)
		}
	}, nil
}

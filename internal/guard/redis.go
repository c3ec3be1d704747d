package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// InitRedis connects to Redis and verifies the connection
func InitRedis(addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", addr))
	return rdb, nil
}

// RedisGuard extends KeyedMutex across processes with a token lock in
// Redis. The lock TTL is refreshed while fn runs.
type RedisGuard struct {
	rdb   redis.UniversalClient
	local *KeyedMutex
	ttl   time.Duration
	retry time.Duration
	log   *zap.Logger
}

// NewRedisGuard creates a RedisGuard holding locks for ttl between refreshes
func NewRedisGuard(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *RedisGuard {
	return &RedisGuard{
		rdb:   rdb,
		local: NewKeyedMutex(),
		ttl:   ttl,
		retry: 50 * time.Millisecond,
		log:   log,
	}
}

// WithLock implements Guard
func (g *RedisGuard) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	// Goroutines of this process queue locally before competing in Redis
	unlock, err := g.local.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	lockKey := "beton:lock:" + key
	token := uuid.NewString()

	for {
		ok, err := g.rdb.SetNX(ctx, lockKey, token, g.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.retry):
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.keepAlive(watchCtx, lockKey, token)
	}()

	defer func() {
		cancel()
		<-done

		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer releaseCancel()
		if err := unlockScript.Run(releaseCtx, g.rdb, []string{lockKey}, token).Err(); err != nil {
			g.log.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (g *RedisGuard) keepAlive(ctx context.Context, lockKey, token string) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, g.rdb, []string{lockKey}, token, g.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() == nil {
					g.log.Warn("refresh lock", zap.String("key", lockKey), zap.Error(err))
				}
				continue
			}
			if n == 0 {
				g.log.Error("lock lost", zap.String("key", lockKey))
				return
			}
		}
	}
}

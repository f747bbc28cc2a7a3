package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

const redisKeyPrefix = "soar:lock:"

// Only the holder's token may release or extend a lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker shared by every replica pointed at the same server.
// A lock is a key set with NX and a TTL holding a random token; while held
// it is extended every third of the TTL so a long playbook run keeps it.
// A crashed holder loses the lock when the TTL lapses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

// NewRedis connects to the configured server and verifies it with PING.
func NewRedis(ctx context.Context, cfg core.LockConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	return newRedis(client, cfg.TTL, cfg.RetryInterval, logger), nil
}

func newRedis(client *redis.Client, ttl, retry time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		retry:  retry,
		logger: logger.With().Str("component", "keylock").Str("backend", "redis").Logger(),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	rkey := redisKeyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(rkey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(relCtx, r.client, []string{rkey}, token).Int()
			switch {
			case err != nil:
				r.logger.Error().Err(err).Str("key", key).Msg("lock release failed, it will lapse after its TTL")
			case n == 0:
				r.logger.Warn().Str("key", key).Msg("lock expired before release")
			}
		})
	}, nil
}

func (r *Redis) keepAlive(rkey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{rkey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn().Err(err).Str("key", rkey).Msg("lock extension failed")
				continue
			}
			if n == 0 {
				r.logger.Error().Str("key", rkey).Msg("lock lost while held")
				return
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

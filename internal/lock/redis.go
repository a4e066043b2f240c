package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every service instance. Locks expire after ttl
// so a crashed holder cannot wedge a manuscript.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

func NewRedisClient(url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func NewRedis(rdb *redis.Client, ttl, retry time.Duration, logger zerolog.Logger) *Redis {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Redis{rdb: rdb, ttl: ttl, retry: retry, logger: logger}
}

func lockKey(key string) string {
	return fmt.Sprintf("manuscript_lock:%s", key)
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKey(key)
	token := uuid.New().String()

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			break
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.rdb, []string{k}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Failed to release manuscript lock")
		}
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

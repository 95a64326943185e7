package budget

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "flightwx:budget:"

// RedisLedger keeps one integer key per UTC day. Keys expire two days after
// their last increment so old days clean themselves up.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, ttl: 48 * time.Hour}
}

// Used implements Ledger.
func (l *RedisLedger) Used(ctx context.Context, day string) (int, error) {
	n, err := l.client.Get(ctx, redisKeyPrefix+day).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Add implements Ledger.
func (l *RedisLedger) Add(ctx context.Context, day string, n int) (int, error) {
	key := redisKeyPrefix + day
	pipe := l.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

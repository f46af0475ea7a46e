package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService keeps envelopes for recipients that are offline.
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func queueKey(to string) string {
	return fmt.Sprintf("to: %s", to)
}

func (r *RedisService) Enqueue(ctx context.Context, to string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return r.rdb.RPush(ctx, queueKey(to), vals...).Err()
}

// Drain returns and removes everything queued for to, oldest first.
func (r *RedisService) Drain(ctx context.Context, to string) ([][]byte, error) {
	key := queueKey(to)

	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	vals := lrange.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

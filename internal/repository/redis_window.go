package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindowStore is the shared sliding-window store behind the rate
// limiter: one sorted set per key, scored by accept time. Each request
// adds its own member, counts the window, and removes itself again if
// it did not fit, so two gateways never both admit the last slot.
type RedisWindowStore struct {
	client *RedisClient
	prefix string
}

func NewRedisWindowStore(client *RedisClient) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "rl:"}
}

func (s *RedisWindowStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time, increment bool) (int, time.Time, error) {
	rkey := s.prefix + key
	cutoff := now.Add(-window).UnixNano()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := s.client.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(cutoff, 10))
	if increment {
		pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	}
	cardCmd := pipe.ZCard(ctx, rkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	// Window plus grace so idle keys drain themselves.
	pipe.PExpire(ctx, rkey, window+window/2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count := int(cardCmd.Val())
	existing := count
	if increment {
		existing = count - 1
		if existing >= limit {
			// Did not fit; take our member back out.
			_ = s.client.Client.ZRem(ctx, rkey, member).Err()
		}
	}

	var oldest time.Time
	if zs := oldestCmd.Val(); len(zs) > 0 {
		oldest = time.Unix(0, int64(zs[0].Score))
	}
	return existing, oldest, nil
}

func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return s.client.Client.Del(ctx, s.prefix+key).Err()
}

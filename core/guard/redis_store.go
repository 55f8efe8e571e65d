package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix = "pagepilot:guard:call:"
	rateKeyPrefix = "pagepilot:guard:rate:"
)

// RedisStore backs the guard with redis so multiple tool host replicas
// share one replay set and one rate counter per installation.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) ClaimCall(ctx context.Context, installationID, callID string, window time.Duration) (bool, error) {
	key := callKeyPrefix + installationID + ":" + callID
	ok, err := s.rdb.SetNX(ctx, key, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("claim call id: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) IncrementWindow(ctx context.Context, installationID string, windowStart, windowSeconds int64) (int64, error) {
	key := rateKeyPrefix + installationID + ":" + strconv.FormatInt(windowStart, 10)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	if count == 1 {
		// First hit owns the expiry. A second of slack covers the edge
		// where the increment lands right at the window boundary.
		if err := s.rdb.Expire(ctx, key, time.Duration(windowSeconds+1)*time.Second).Err(); err != nil {
			return 0, fmt.Errorf("expire rate window: %w", err)
		}
	}
	return count, nil
}

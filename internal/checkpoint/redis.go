package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisTTL bounds how long step outputs of a run are kept.
	DefaultRedisTTL = 7 * 24 * time.Hour

	redisKeyPrefix  = "mailpipe:run:"
	redisPendingKey = "mailpipe:pending"
)

// Redis stores each run as a hash of step -> output, and pending runs in a sorted set
// scored by start time.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(rawURL string) (*Redis, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the redis checkpoint backend")
	}
	opt, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return NewRedis(redis.NewClient(opt)), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, ttl: DefaultRedisTTL}
}

func runKey(runID string) string {
	return redisKeyPrefix + runID
}

func (r *Redis) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	if err := validate(runID, step); err != nil {
		return nil, false, err
	}
	b, err := r.rdb.HGet(ctx, runKey(runID), step).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint HGET: %w", err)
	}
	return b, true, nil
}

func (r *Redis) Put(ctx context.Context, runID, step string, value []byte) error {
	if err := validate(runID, step); err != nil {
		return err
	}
	key := runKey(runID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, step, value)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint HSET: %w", err)
	}
	return nil
}

func (r *Redis) MarkPending(ctx context.Context, runID string) error {
	if err := validate(runID, "pending"); err != nil {
		return err
	}
	// NX keeps the original start time when a run is resumed.
	err := r.rdb.ZAddNX(ctx, redisPendingKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: runID,
	}).Err()
	if err != nil {
		return fmt.Errorf("checkpoint ZADD: %w", err)
	}
	return nil
}

func (r *Redis) MarkDone(ctx context.Context, runID string) error {
	if err := r.rdb.ZRem(ctx, redisPendingKey, runID).Err(); err != nil {
		return fmt.Errorf("checkpoint ZREM: %w", err)
	}
	return nil
}

func (r *Redis) Pending(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.ZRange(ctx, redisPendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint ZRANGE: %w", err)
	}
	return ids, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisWindowScript trims and reads a sliding window atomically.
// KEYS[1] = window key
// ARGV[1] = cutoff (unix nanoseconds, inclusive)
// Returns {count, oldest_score}.
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = ARGV[1]

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local count = redis.call("ZCARD", key)
if count == 0 then
    return {0, "0"}
end
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {count, first[2]}
`)

// RedisStore keeps windows as sorted sets scored by admission time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr. Keys are namespaced under prefix.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if prefix == "" {
		prefix = "gatekeep:rate"
	}
	return &RedisStore{client: rdb, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(category string) string {
	return fmt.Sprintf("%s:%s", s.prefix, category)
}

func (s *RedisStore) Window(ctx context.Context, category string, cutoff time.Time) (int, time.Time, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{s.key(category)}, cutoff.UnixNano()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis window: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("invalid response from window script")
	}
	count, _ := vals[0].(int64)
	if count == 0 {
		return 0, time.Time{}, nil
	}
	raw, _ := vals[1].(string)
	// Scores come back as float strings; nanosecond timestamps fit a float64
	// with sub-microsecond loss, which is irrelevant at second granularity.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse window score %q: %w", raw, err)
	}
	return int(count), time.Unix(0, int64(f)).UTC(), nil
}

func (s *RedisStore) Add(ctx context.Context, category string, at time.Time, ttl time.Duration) error {
	key := s.key(category)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: uuid.New().String()})
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add: %w", err)
	}
	return nil
}

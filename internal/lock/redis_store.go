package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bot-execution-core/config"

	"github.com/redis/go-redis/v9"
)

// Stored values are "<holderID>|<acquiredAtUnixMilli>". Holder IDs never
// contain '|'.
const valueSeparator = "|"

// releaseScript deletes KEYS[1] only when its value belongs to ARGV[1]
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
local prefix = ARGV[1] .. "|"
if string.sub(v, 1, string.len(prefix)) == prefix then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps locks in Redis using SET NX PX. Expiry is enforced by
// Redis; now only stamps AcquiredAt and derives ExpiresAt from PTTL.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisClient builds a client with the pool settings used across the service
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// NewRedisStore wraps client. Pass the lock manager's clock as now; nil
// uses time.Now.
func NewRedisStore(client redis.UniversalClient, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, now: now}
}

func (s *RedisStore) SetNX(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	value := holderID + valueSeparator + strconv.FormatInt(s.now().UnixMilli(), 10)
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Info, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	holderID, acquiredAt := parseValue(value)
	info := &Info{
		Key:        key,
		HolderID:   holderID,
		AcquiredAt: acquiredAt,
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		info.ExpiresAt = s.now().Add(ttl)
	}
	return info, nil
}

func (s *RedisStore) Delete(ctx context.Context, key, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, holderID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseValue(value string) (string, time.Time) {
	idx := strings.LastIndex(value, valueSeparator)
	if idx < 0 {
		return value, time.Time{}
	}
	ms, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return value[:idx], time.Time{}
	}
	return value[:idx], time.UnixMilli(ms)
}

package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bot-execution-core/internal/risk"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Format: risk:metrics:{userID}:{botID}
	MetricsKeyPrefix = "risk:metrics"

	// Two days so yesterday's record survives until the roll on restore
	MetricsTTL = 48 * time.Hour
)

// RedisMetricsStore keeps risk metrics snapshots in Redis, with an in-memory
// copy that serves reads while Redis is unreachable.
type RedisMetricsStore struct {
	client         redis.UniversalClient
	logger         zerolog.Logger
	cacheMu        sync.RWMutex
	inMemoryCache  map[string]risk.Metrics
	redisAvailable atomic.Bool
}

var _ risk.MetricsStore = (*RedisMetricsStore)(nil)

// NewRedisMetricsStore works in memory-only mode when client is nil
func NewRedisMetricsStore(ctx context.Context, client redis.UniversalClient, logger zerolog.Logger) *RedisMetricsStore {
	s := &RedisMetricsStore{
		client:        client,
		logger:        logger.With().Str("component", "metrics_store").Logger(),
		inMemoryCache: make(map[string]risk.Metrics),
	}

	if client == nil {
		s.logger.Info().Msg("No Redis client provided, risk metrics kept in memory only")
		return s
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, risk metrics kept in memory")
	} else {
		s.redisAvailable.Store(true)
	}
	return s
}

func metricsKey(userID, botID string) string {
	return fmt.Sprintf("%s:%s:%s", MetricsKeyPrefix, userID, botID)
}

// Save never fails on a Redis outage; the in-memory copy is always updated
func (s *RedisMetricsStore) Save(ctx context.Context, userID, botID string, m risk.Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal risk metrics: %w", err)
	}

	k := metricsKey(userID, botID)
	s.cacheMu.Lock()
	s.inMemoryCache[k] = m
	s.cacheMu.Unlock()

	if !s.useRedis(ctx) {
		return nil
	}
	if err := s.client.Set(ctx, k, data, MetricsTTL).Err(); err != nil {
		s.markUnavailable(err)
	}
	return nil
}

// Load returns nil when nothing is stored
func (s *RedisMetricsStore) Load(ctx context.Context, userID, botID string) (*risk.Metrics, error) {
	k := metricsKey(userID, botID)

	if s.useRedis(ctx) {
		data, err := s.client.Get(ctx, k).Bytes()
		switch {
		case err == nil:
			var m risk.Metrics
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal risk metrics %s: %w", k, err)
			}
			return &m, nil
		case errors.Is(err, redis.Nil):
			// fall through to the in-memory copy
		default:
			s.markUnavailable(err)
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if m, ok := s.inMemoryCache[k]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *RedisMetricsStore) Delete(ctx context.Context, userID, botID string) error {
	k := metricsKey(userID, botID)
	s.cacheMu.Lock()
	delete(s.inMemoryCache, k)
	s.cacheMu.Unlock()

	if !s.useRedis(ctx) {
		return nil
	}
	if err := s.client.Del(ctx, k).Err(); err != nil {
		s.markUnavailable(err)
		return fmt.Errorf("failed to delete risk metrics %s: %w", k, err)
	}
	return nil
}

// IsRedisAvailable reports whether the last Redis call succeeded
func (s *RedisMetricsStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// useRedis re-pings an unavailable client so the store recovers on its own
func (s *RedisMetricsStore) useRedis(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	if s.redisAvailable.Load() {
		return true
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	s.logger.Info().Msg("Redis reachable again for risk metrics")
	s.redisAvailable.Store(true)
	return true
}

func (s *RedisMetricsStore) markUnavailable(err error) {
	if s.redisAvailable.Swap(false) {
		s.logger.Warn().Err(err).Msg("Redis error, falling back to in-memory risk metrics")
	}
}

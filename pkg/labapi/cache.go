package labapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

// NewRedisClient opens the shared cache connection.
func NewRedisClient(ctx context.Context, config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// CachedDefinition is a test definition stored in Redis with its metadata.
type CachedDefinition struct {
	Data      *domain.TestDefinition `json:"data"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// DefinitionCacheStats represents cache performance statistics
type DefinitionCacheStats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	RedisHits    int64 `json:"redis_hits"`
	RedisMisses  int64 `json:"redis_misses"`
	RedisErrors  int64 `json:"redis_errors"`
}

// DefinitionCache keeps test definitions in two tiers: a process-local LRU
// and, when configured, Redis shared between instances.
type DefinitionCache struct {
	memory    *lru.Cache
	redis     *redis.Client
	memoryTTL time.Duration
	redisTTL  time.Duration
	logger    *logrus.Logger

	memoryHits, memoryMisses atomic.Int64
	redisHits, redisMisses   atomic.Int64
	redisErrors              atomic.Int64
}

type memoryEntry struct {
	def       *domain.TestDefinition
	expiresAt time.Time
}

// NewDefinitionCache creates the cache. redisClient may be nil.
func NewDefinitionCache(size int, ttl time.Duration, redisClient *redis.Client, logger *logrus.Logger) (*DefinitionCache, error) {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	memory, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	return &DefinitionCache{
		memory:    memory,
		redis:     redisClient,
		memoryTTL: ttl / 4,
		redisTTL:  ttl,
		logger:    logger,
	}, nil
}

func definitionKey(id string) string {
	return "lab:definition:" + id
}

// Get returns a cached definition. Redis failures degrade to a miss.
func (c *DefinitionCache) Get(ctx context.Context, id string) (*domain.TestDefinition, bool) {
	if v, ok := c.memory.Get(id); ok {
		entry := v.(memoryEntry)
		if time.Now().Before(entry.expiresAt) {
			c.memoryHits.Add(1)
			return entry.def, true
		}
		c.memory.Remove(id)
	}
	c.memoryMisses.Add(1)

	if c.redis == nil {
		return nil, false
	}

	key := definitionKey(id)
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.redisMisses.Add(1)
		return nil, false
	}
	if err != nil {
		c.redisErrors.Add(1)
		c.logger.WithError(err).WithField("definition_id", id).Warn("Definition cache read failed")
		return nil, false
	}

	var cached CachedDefinition
	if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Data == nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, key)
		c.redisMisses.Add(1)
		return nil, false
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		c.redisMisses.Add(1)
		return nil, false
	}

	c.redisHits.Add(1)
	c.memory.Add(id, memoryEntry{def: cached.Data, expiresAt: time.Now().Add(c.memoryTTL)})
	return cached.Data, true
}

// Set stores a definition in both tiers.
func (c *DefinitionCache) Set(ctx context.Context, def *domain.TestDefinition) {
	if def == nil {
		return
	}
	now := time.Now()
	c.memory.Add(def.ID, memoryEntry{def: def, expiresAt: now.Add(c.memoryTTL)})

	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(CachedDefinition{Data: def, CachedAt: now, ExpiresAt: now.Add(c.redisTTL)})
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode definition for cache")
		return
	}
	if err := c.redis.Set(ctx, definitionKey(def.ID), payload, c.redisTTL).Err(); err != nil {
		c.redisErrors.Add(1)
		c.logger.WithError(err).WithField("definition_id", def.ID).Warn("Definition cache write failed")
	}
}

// Stats returns cache performance statistics
func (c *DefinitionCache) Stats() DefinitionCacheStats {
	return DefinitionCacheStats{
		MemoryHits:   c.memoryHits.Load(),
		MemoryMisses: c.memoryMisses.Load(),
		RedisHits:    c.redisHits.Load(),
		RedisMisses:  c.redisMisses.Load(),
		RedisErrors:  c.redisErrors.Load(),
	}
}

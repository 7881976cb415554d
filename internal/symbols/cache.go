package symbols

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// PositiveTTL is how long successful mappings stay cached.
	PositiveTTL = 24 * time.Hour
	// NegativeTTL is how long empty mappings stay cached.
	NegativeTTL = 10 * time.Minute

	defaultCacheSize = 16384
	redisKeyPrefix   = "figi:"
)

type cacheEntry struct {
	Results   []MappingResult `json:"results"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// mappingCache is the two-tier lookup cache: an in-process LRU fronting an
// optional shared Redis tier.
type mappingCache struct {
	local *lru.Cache[string, cacheEntry]
	redis redis.UniversalClient
	now   func() time.Time
}

func newMappingCache(size int, rdb redis.UniversalClient, now func() time.Time) *mappingCache {
	if size < defaultCacheSize {
		size = defaultCacheSize
	}
	local, _ := lru.New[string, cacheEntry](size)
	return &mappingCache{local: local, redis: rdb, now: now}
}

func (c *mappingCache) get(ctx context.Context, key string) ([]MappingResult, bool) {
	if entry, ok := c.local.Get(key); ok {
		if c.now().Before(entry.ExpiresAt) {
			return entry.Results, true
		}
		c.local.Remove(key)
	}

	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("FIGI redis cache read failed")
		}
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil, false
	}
	c.local.Add(key, entry)
	return entry.Results, true
}

func (c *mappingCache) put(ctx context.Context, key string, results []MappingResult) {
	ttl := PositiveTTL
	if len(results) == 0 {
		ttl = NegativeTTL
	}
	entry := cacheEntry{Results: results, ExpiresAt: c.now().Add(ttl)}
	c.local.Add(key, entry)

	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("FIGI redis cache write failed")
	}
}

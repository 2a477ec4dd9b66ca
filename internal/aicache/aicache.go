// Package aicache implements C13, the Redis-keyed extraction-result
// cache consulted by internal/extract.VisionExtractor before spending a
// vision call. Grounded on wisbric-nightowl's Redis client construction
// (internal/platform/redis.go); the read-path-never-fails and
// write-path-best-effort policy is this package's own per spec.md §4.13.
package aicache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cuenly-ingest/internal/model"
)

const (
	keyPrefix = "cuenly:openai:cache:"
	ttl       = 7 * 24 * time.Hour
)

// Cache is a Redis-backed extraction-result cache keyed by content hash
// or artifact path, per spec.md §4.13.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Cache {
	return &Cache{rdb: rdb, log: log}
}

func cacheKey(identifier string) string {
	sum := md5.Sum([]byte(identifier))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// entry is the JSON value stored in Redis, annotated with cache
// provenance metadata per spec.md §4.13.
type entry struct {
	Doc          *model.InvoiceDocument `json:"extraction"`
	CacheSource  string                 `json:"_cache_source"`
	CacheKey     string                 `json:"_cache_key"`
}

// Get implements the read path: any error (miss, corruption, connection
// failure) is reported as a cache miss rather than propagated.
func (c *Cache) Get(ctx context.Context, identifier string) (*model.InvoiceDocument, bool, error) {
	key := cacheKey(identifier)
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.log.Warn("ai cache entry corrupted, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return e.Doc, true, nil
}

// Put implements the write path: best-effort, logged but never failing
// the caller.
func (c *Cache) Put(ctx context.Context, identifier string, doc *model.InvoiceDocument) error {
	key := cacheKey(identifier)
	e := entry{Doc: doc, CacheSource: "vision_extractor", CacheKey: key}
	payload, err := json.Marshal(e)
	if err != nil {
		c.log.Warn("ai cache marshal failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.log.Warn("ai cache write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

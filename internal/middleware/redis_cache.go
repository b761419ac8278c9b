package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const cacheHeader = "X-Cache"

// ErrCacheMiss is returned by a CacheBackend when a key is absent
var ErrCacheMiss = errors.New("cache miss")

// CacheConfig holds configuration for the cache middleware
type CacheConfig struct {
	Enabled         bool
	DefaultDuration time.Duration
	PrefixKey       string
}

// CacheBackend stores cached response bodies
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// RedisBackend is a CacheBackend on a redis client
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps client
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return value, err
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// DeletePrefix removes every key starting with prefix, walking the keyspace with SCAN
func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	iter := b.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(batch) > 0 {
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// ResponseCache caches successful GET responses of the candle query endpoint
type ResponseCache struct {
	backend CacheBackend
	config  CacheConfig
	logger  *zap.Logger
}

// NewResponseCache creates a response cache; a nil backend disables caching
func NewResponseCache(backend CacheBackend, config CacheConfig, logger *zap.Logger) *ResponseCache {
	if backend == nil {
		config.Enabled = false
	}
	return &ResponseCache{backend: backend, config: config, logger: logger}
}

// Middleware serves cached bodies and stores fresh 200 responses not marked no-store
func (rc *ResponseCache) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rc.config.Enabled || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := generateCacheKey(c, rc.config.PrefixKey)

		cached, err := rc.backend.Get(ctx, cacheKey)
		if err == nil {
			rc.logger.Debug("Cache hit",
				zap.String("path", c.Request.URL.Path),
				zap.String("cache_key", cacheKey))

			c.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
			c.Writer.Header().Set(cacheHeader, "HIT")
			c.Writer.WriteHeader(http.StatusOK)
			_, _ = c.Writer.Write(cached)
			c.Abort()
			return
		}
		if !errors.Is(err, ErrCacheMiss) {
			rc.logger.Warn("Cache lookup failed", zap.Error(err), zap.String("cache_key", cacheKey))
		}

		writer := &responseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer
		c.Writer.Header().Set(cacheHeader, "MISS")

		c.Next()

		if writer.Status() != http.StatusOK || writer.Header().Get("Cache-Control") == "no-store" {
			return
		}
		if err := rc.backend.Set(ctx, cacheKey, writer.body.Bytes(), rc.config.DefaultDuration); err != nil {
			rc.logger.Error("Failed to set cache",
				zap.Error(err),
				zap.String("cache_key", cacheKey))
			return
		}
		rc.logger.Debug("Cache set",
			zap.String("path", c.Request.URL.Path),
			zap.String("cache_key", cacheKey),
			zap.Duration("duration", rc.config.DefaultDuration))
	}
}

// Invalidate drops every cached response
func (rc *ResponseCache) Invalidate(ctx context.Context) error {
	if !rc.config.Enabled {
		return nil
	}
	n, err := rc.backend.DeletePrefix(ctx, rc.config.PrefixKey+":")
	if err != nil {
		return err
	}
	rc.logger.Info("Flushed response cache", zap.Int("keys", n))
	return nil
}

// responseWriter captures the response body for caching
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// generateCacheKey creates a cache key for a request. Query parameters are sorted so their order does not matter.
func generateCacheKey(c *gin.Context, prefix string) string {
	hash := sha256.New()
	_, _ = io.WriteString(hash, c.Request.URL.Path)
	if query := c.Request.URL.Query().Encode(); query != "" {
		_, _ = io.WriteString(hash, "?"+query)
	}
	return prefix + ":" + hex.EncodeToString(hash.Sum(nil))
}

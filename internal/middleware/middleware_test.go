package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{values: make(map[string][]byte)}
}

func (m *memoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *memoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
			n++
		}
	}
	return n, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func cachedRouter(cache *ResponseCache, calls *int) *gin.Engine {
	r := gin.New()
	r.Use(cache.Middleware())
	r.GET("/api/v1/candles", func(c *gin.Context) {
		*calls++
		if c.Query("fail") != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"calls": *calls})
	})
	return r
}

func get(r http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestResponseCacheServesRepeatedQueries(t *testing.T) {
	backend := newMemoryBackend()
	cache := NewResponseCache(backend, CacheConfig{Enabled: true, DefaultDuration: time.Minute, PrefixKey: "candle-cache"}, zap.NewNop())
	calls := 0
	r := cachedRouter(cache, &calls)

	first := get(r, "/api/v1/candles?type=resource&scope=gas")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(cacheHeader))

	second := get(r, "/api/v1/candles?scope=gas&type=resource")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(cacheHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, calls)

	require.NoError(t, cache.Invalidate(context.Background()))
	third := get(r, "/api/v1/candles?type=resource&scope=gas")
	assert.Equal(t, "MISS", third.Header().Get(cacheHeader))
	assert.Equal(t, 2, calls)
}

func TestResponseCacheSkipsErrors(t *testing.T) {
	backend := newMemoryBackend()
	cache := NewResponseCache(backend, CacheConfig{Enabled: true, DefaultDuration: time.Minute, PrefixKey: "candle-cache"}, zap.NewNop())
	calls := 0
	r := cachedRouter(cache, &calls)

	get(r, "/api/v1/candles?fail=1")
	get(r, "/api/v1/candles?fail=1")
	assert.Equal(t, 2, calls)
	assert.Empty(t, backend.values)
}

func TestResponseCacheDisabledWithoutBackend(t *testing.T) {
	cache := NewResponseCache(nil, CacheConfig{Enabled: true, PrefixKey: "candle-cache"}, zap.NewNop())
	calls := 0
	r := cachedRouter(cache, &calls)

	w := get(r, "/api/v1/candles")
	assert.Empty(t, w.Header().Get(cacheHeader))
	get(r, "/api/v1/candles")
	assert.Equal(t, 2, calls)
	assert.NoError(t, cache.Invalidate(context.Background()))
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(60, 1)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	now = now.Add(time.Hour)
	limiter.Allow("10.0.0.2")
	assert.Len(t, limiter.clients, 1)
}

func TestRateLimitMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(NewRateLimiter(1, 1)))
	r.GET("/refresh-candle-cache", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) })

	assert.Equal(t, http.StatusOK, get(r, "/refresh-candle-cache").Code)
	w := get(r, "/refresh-candle-cache")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")
}

func TestLoggerPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(Logger(zap.NewNop()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	w := get(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

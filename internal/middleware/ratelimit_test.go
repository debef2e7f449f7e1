package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	redislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(parts ...string) string {
	out := "test"
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func TestRateLimiterAllow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, testKey, RateLimitConfig{KeyPrefix: "rl", Window: time.Minute, MaxRequests: 2})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ok, count, err := rl.Allow(ctx, "device:a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, count)
	}

	ok, _, err := rl.Allow(ctx, "device:a")
	require.NoError(t, err)
	assert.False(t, ok)

	// 其他设备不受影响
	ok, _, err = rl.Allow(ctx, "device:b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	defer client.Close()

	engine := route.NewEngine(config.NewOptions(nil))
	engine.Use(RateLimitMiddleware(client, testKey, RateLimitConfig{KeyPrefix: "rl", Window: time.Minute, MaxRequests: 1}))
	engine.POST("/events", func(ctx context.Context, c *app.RequestContext) {
		c.Status(http.StatusAccepted)
	})

	header := ut.Header{Key: "X-Device-ID", Value: "dev-1"}
	w := ut.PerformRequest(engine, http.MethodPost, "/events", nil, header)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = ut.PerformRequest(engine, http.MethodPost, "/events", nil, header)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitMiddlewareDisabledWithoutRedis(t *testing.T) {
	engine := route.NewEngine(config.NewOptions(nil))
	engine.Use(RateLimitMiddleware(nil, testKey, EventRateLimitConfig))
	engine.GET("/ping", func(ctx context.Context, c *app.RequestContext) {
		c.Status(http.StatusOK)
	})

	w := ut.PerformRequest(engine, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

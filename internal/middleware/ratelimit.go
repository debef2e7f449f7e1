package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/logger"
	"CRMNotify/pkg/response"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	KeyPrefix   string
	Window      time.Duration
	MaxRequests int
}

// EventRateLimitConfig 事件上报按设备限流，防止客户端重放风暴
var EventRateLimitConfig = RateLimitConfig{
	Window:      10 * time.Second,
	MaxRequests: 50,
	KeyPrefix:   "rate:events",
}

// RateLimiter zset 滑动窗口限流
type RateLimiter struct {
	client  redislib.Cmdable
	keyFunc func(parts ...string) string
	config  RateLimitConfig
}

func NewRateLimiter(client redislib.Cmdable, keyFunc func(parts ...string) string, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, keyFunc: keyFunc, config: config}
}

// identify 优先按设备限流，没有设备头时按 IP
func identify(c *app.RequestContext) string {
	if id := c.GetHeader("X-Device-ID"); len(id) > 0 {
		return "device:" + string(id)
	}
	return "ip:" + c.ClientIP()
}

// Allow 返回是否放行以及窗口内的请求数
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (bool, int, error) {
	key := rl.keyFunc(rl.config.KeyPrefix, identifier)
	now := time.Now()
	windowStart := now.Add(-rl.config.Window)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redislib.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rl.config.Window+10*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	count := int(card.Val())
	return count <= rl.config.MaxRequests, count, nil
}

// RateLimitMiddleware client 为 nil（非 redis 后端）时不限流；redis 出错时放行
func RateLimitMiddleware(client redislib.Cmdable, keyFunc func(parts ...string) string, config RateLimitConfig) app.HandlerFunc {
	if client == nil {
		return func(ctx context.Context, c *app.RequestContext) {
			c.Next(ctx)
		}
	}
	limiter := NewRateLimiter(client, keyFunc, config)

	return func(ctx context.Context, c *app.RequestContext) {
		allowed, count, err := limiter.Allow(ctx, identify(c))
		if err != nil {
			logger.Logger.Warn("Failed to check rate limit", zap.Error(err))
			c.Next(ctx)
			return
		}

		remaining := config.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		c.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			recordRateLimited(ctx, c.FullPath())
			response.Error(ctx, c, errors.TooManyRequests)
			c.Abort()
			return
		}

		c.Next(ctx)
	}
}

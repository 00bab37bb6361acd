package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/redis"
)

// RateLimiter is a fixed window counter per client IP kept in Redis
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	scope  string
	log    *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, scope string) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		scope:  scope,
		log:    logger.GetLogger().Component("rate-limit"),
	}
}

// Limit rejects requests over the window budget with 429. Redis failures
// let the request through.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}
		key := redis.RateLimitKey(c.ClientIP(), rl.scope)
		allowed, err := rl.allow(c.Request.Context(), key)
		if err != nil {
			rl.log.Warnf("Rate limit check failed: %v", err)
			c.Next()
			return
		}
		if !allowed {
			util.AbortWithCustomError(c, http.StatusTooManyRequests,
				util.ErrCodeRateLimit, "Rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	count, err := rl.redis.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, key, rl.window); err != nil {
			return false, err
		}
	}
	return count <= int64(rl.limit), nil
}

// RateLimit limits ops calls per IP and minute
func RateLimit(redisClient *redis.Client, limit int) gin.HandlerFunc {
	return NewRateLimiter(redisClient, limit, time.Minute, "ops").Limit()
}

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimit 基于令牌桶的限流，超限返回 429，不排队等待
// onLimited 可为 nil
func RateLimit(limiter *rate.Limiter, onLimited func(), logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		r := limiter.Reserve()
		if !r.OK() {
			reject(c, limiter, 0, onLimited, logger)
			return
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			reject(c, limiter, delay, onLimited, logger)
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, limiter *rate.Limiter, retry time.Duration, onLimited func(), logger *zap.Logger) {
	if onLimited != nil {
		onLimited()
	}
	logger.Warn("request rate limited",
		zap.String("path", c.Request.URL.Path),
		zap.Float64("limit", float64(limiter.Limit())),
		zap.Duration("retry_after", retry),
	)
	if retry > 0 {
		secs := int(retry.Seconds() + 0.999)
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	abort(c, http.StatusTooManyRequests, "RateLimited", "too many fire requests")
}

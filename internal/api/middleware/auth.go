// Package middleware 控制接口的 HTTP 中间件
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIKeyAuth API Key 认证；keys 为空时不校验（开发环境）
//
// 支持：
//  1. Header: X-API-Key: <key>
//  2. Header: Authorization: Bearer <key>
func APIKeyAuth(keys []string, logger *zap.Logger) gin.HandlerFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		apiKey := extractAPIKey(c)
		if apiKey == "" {
			logger.Warn("api auth: missing api key",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.String("remote_addr", c.ClientIP()),
			)
			abort(c, http.StatusUnauthorized, "Unauthorized", "missing X-API-Key or Authorization: Bearer header")
			return
		}
		if !match(allowed, apiKey) {
			logger.Warn("api auth: invalid api key",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()),
				zap.String("api_key_prefix", maskAPIKey(apiKey)),
			)
			abort(c, http.StatusForbidden, "Forbidden", "invalid api key")
			return
		}

		c.Set("api_key", maskAPIKey(apiKey))
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return k
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func match(allowed [][]byte, key string) bool {
	ok := 0
	for _, k := range allowed {
		ok |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return ok == 1
}

// maskAPIKey 脱敏（仅显示前 4 位和后 4 位）
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// abort 以统一错误结构终止请求
func abort(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "kind": kind, "message": message})
}

package middleware

import (
	"crypto/subtle"
	"net/http"

	"sherlock/app/config"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth 静态 API 密钥认证中间件。
// 未配置密钥时不做校验，直接放行。
func APIKeyAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Server.APIKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Server.APIKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "无效的 API 密钥",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

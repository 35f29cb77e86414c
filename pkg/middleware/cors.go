package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/correlation"
)

// corsAllowHeaders はプリフライトで許可するリクエストヘッダー。
var corsAllowHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	correlation.HeaderCorrelationID,
	correlation.HeaderRequestID,
}, ", ")

// corsExposeHeaders はブラウザのスクリプトから参照できるレスポンスヘッダー。
var corsExposeHeaders = strings.Join([]string{
	correlation.HeaderCorrelationID,
	correlation.HeaderRequestID,
	HeaderRateLimitLimit,
	HeaderRateLimitRemaining,
	HeaderRetryAfter,
}, ", ")

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// OPTIONSのプリフライトはここで204を返して終了するため、レート制限や認証には到達しない。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "3600")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

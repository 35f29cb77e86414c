package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/correlation"
)

const (
	// ContextKeyCorrelationID はGinコンテキストに相関IDを格納するキー。
	ContextKeyCorrelationID = "correlation_id"
	// ContextKeyRequestID はGinコンテキストにリクエストIDを格納するキー。
	ContextKeyRequestID = "request_id"
)

// Correlation は相関IDとリクエストIDを付与するGinミドルウェアを返す。
// パイプラインの先頭で登録する。IDはリクエストコンテキストとGinコンテキストに格納し、
// レスポンスヘッダーにも設定する。
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := correlation.Resolve(c.GetHeader(correlation.HeaderCorrelationID))

		c.Request = c.Request.WithContext(correlation.WithIDs(c.Request.Context(), ids))
		c.Set(ContextKeyCorrelationID, ids.CorrelationID)
		c.Set(ContextKeyRequestID, ids.RequestID)
		c.Header(correlation.HeaderCorrelationID, ids.CorrelationID)
		c.Header(correlation.HeaderRequestID, ids.RequestID)

		c.Next()
	}
}

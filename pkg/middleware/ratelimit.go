package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/ratelimit"
)

const (
	// HeaderRateLimitLimit はバケット容量を返すレスポンスヘッダー。
	HeaderRateLimitLimit = "X-RateLimit-Limit"
	// HeaderRateLimitRemaining は残りトークン数を返すレスポンスヘッダー。
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	// HeaderRetryAfter は再試行までの秒数を返すレスポンスヘッダー。拒否時のみ設定する。
	HeaderRetryAfter = "Retry-After"
)

// Admitter はクライアントキーごとにリクエストの可否を判定する。
type Admitter interface {
	Allow(key string) ratelimit.Decision
}

// RateLimitOptions はRateLimitミドルウェアの設定。
type RateLimitOptions struct {
	// Enabled がfalseの場合は全リクエストを素通しする。
	Enabled bool
	// TrustProxyHeaders はX-Forwarded-For/X-Real-IPをクライアントキーに使うかどうか。
	// 信頼できるリバースプロキシの背後でのみ有効にすること。
	TrustProxyHeaders bool
	// ExcludedPaths はレート制限の対象外とするパス。
	ExcludedPaths []string
	// Recorder は判定結果の記録先。nilの場合は記録しない。
	Recorder ratelimit.StatsRecorder
}

// RateLimit はクライアント単位のレート制限を行うGinミドルウェアを返す。
// 許可時はX-RateLimit-Limit/X-RateLimit-Remainingを、拒否時はさらにRetry-Afterを設定し、
// RateLimitExceededを登録して処理を中断する。
func RateLimit(admitter Admitter, opts RateLimitOptions) gin.HandlerFunc {
	excluded := NewPathMatcher(opts.ExcludedPaths)

	return func(c *gin.Context) {
		if !opts.Enabled || excluded.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := ClientKey(c.Request, opts.TrustProxyHeaders)
		d := admitter.Allow(key)

		if opts.Recorder != nil {
			_ = opts.Recorder.Record(c.Request.Context(), ratelimit.Event{
				Key:     key,
				Allowed: d.Allowed,
				Method:  c.Request.Method,
				Route:   c.FullPath(),
				At:      time.Now(),
			})
		}

		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Header(HeaderRetryAfter, strconv.Itoa(int(d.RetryAfter.Seconds())))
			abortWithError(c, apierror.New(apierror.RateLimitExceeded,
				fmt.Sprintf("Rate limit exceeded. Maximum %d requests per minute allowed.", d.Limit)))
			return
		}

		c.Next()
	}
}

// ClientKey はリクエスト元からレート制限のキーを導出する。
// trustProxyがtrueの場合はX-Forwarded-Forの先頭、X-Real-IPの順に参照し、
// どちらもなければ接続元アドレスを使う。
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}

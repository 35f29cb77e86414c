package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/response"
)

// ErrorHandler はc.Errorsに登録されたエラーを共通形式のレスポンスに変換するGinミドルウェアを返す。
// 5xxはエラー詳細を含めてerrorレベルで、4xxは1行の要約をwarnレベルでログ出力する。
// クライアントには内部の詳細を返さない。
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		apiErr := apierror.From(c.Errors.Last().Err)
		status := apiErr.Kind.Status()
		ctx := c.Request.Context()
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "リクエスト処理中に想定外のエラーが発生しました",
				slog.String("kind", apiErr.Kind.String()),
				slog.String("method", c.Request.Method),
				slog.String("path", c.Request.URL.Path),
				slog.String("error", c.Errors.String()),
			)
		} else {
			logger.WarnContext(ctx, "リクエストを拒否しました",
				slog.String("kind", apiErr.Kind.String()),
				slog.Int("status", status),
				slog.String("message", apiErr.Message),
			)
		}

		if c.Writer.Written() {
			return
		}
		response.Fail(c, apiErr)
	}
}

// NoRoute は未定義のパスに対してNotFoundを登録するハンドラを返す。
func NoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		abortWithError(c, apierror.New(apierror.NotFound, "Resource not found"))
	}
}

// NoMethod は許可されていないメソッドに対してMethodNotAllowedを登録するハンドラを返す。
func NoMethod() gin.HandlerFunc {
	return func(c *gin.Context) {
		abortWithError(c, apierror.New(apierror.MethodNotAllowed, "Method not allowed"))
	}
}

// abortWithError はエラーを登録して後続のハンドラを中断する。
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

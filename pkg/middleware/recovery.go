package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック値とスタックトレースをUnexpectedエラーとして登録し、500レスポンスの生成はErrorHandlerに任せる。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				cause := fmt.Errorf("panic: %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, r, debug.Stack())
				abortWithError(c, apierror.Wrap(apierror.Unexpected, apierror.UnexpectedMessage, cause))
			}
		}()
		c.Next()
	}
}

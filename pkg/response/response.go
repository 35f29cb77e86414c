// Package response はAPIレスポンスの共通エンベロープを提供する。
package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/correlation"
)

// Envelope は全エンドポイント共通のレスポンス形式。
type Envelope struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Message は人間向けのメッセージ。
	Message string `json:"message,omitempty"`
	// Data は成功時のペイロード。
	Data any `json:"data,omitempty"`
	// Errors はフィールド単位の検証エラー。
	Errors []apierror.FieldError `json:"errors,omitempty"`
	// CorrelationID はログと突き合わせるための相関ID。
	CorrelationID string `json:"correlationId"`
	// Timestamp はレスポンス生成時刻。
	Timestamp time.Time `json:"timestamp"`
}

// OK は成功レスポンスを書き込む。
func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{
		Success:       true,
		Message:       message,
		Data:          data,
		CorrelationID: correlation.FromContext(c.Request.Context()).CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
}

// Fail はエラーレスポンスを書き込み、以降のハンドラを中断する。
func Fail(c *gin.Context, err *apierror.Error) {
	c.AbortWithStatusJSON(err.Kind.Status(), Envelope{
		Success:       false,
		Message:       err.Message,
		Errors:        err.Fields,
		CorrelationID: correlation.FromContext(c.Request.Context()).CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
}

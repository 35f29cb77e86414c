package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
)

// TestErrorHandler はErrorHandlerミドルウェアを検証する。
func TestErrorHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"NotFoundは404になること", apierror.New(apierror.NotFound, "Patient not found"), http.StatusNotFound, "Patient not found"},
		{"Duplicateは409になること", apierror.New(apierror.Duplicate, "Email already exists"), http.StatusConflict, "Email already exists"},
		{"BadRequestは400になること", apierror.New(apierror.BadRequest, "Invalid value 'x' for parameter 'id'"), http.StatusBadRequest, "Invalid value 'x' for parameter 'id'"},
		{"ExpiredTokenは401になること", apierror.New(apierror.ExpiredToken, "JWT token is expired"), http.StatusUnauthorized, "JWT token is expired"},
		{"Forbiddenは403になること", apierror.New(apierror.Forbidden, "Access denied"), http.StatusForbidden, "Access denied"},
		{"RateLimitExceededは429になること", apierror.New(apierror.RateLimitExceeded, "Rate limit exceeded."), http.StatusTooManyRequests, "Rate limit exceeded."},
		{"ラップされたエラーも種別が判定されること", fmt.Errorf("取得に失敗: %w", apierror.New(apierror.NotFound, "gone")), http.StatusNotFound, "gone"},
		{"未知のエラーは固定メッセージの500になること", errors.New("sql: connection refused at 10.0.0.5"), http.StatusInternalServerError, "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := newTestRouter(nil)
			router.GET("/fail", func(c *gin.Context) {
				_ = c.Error(tt.err)
			})

			w := doRequest(router, http.MethodGet, "/fail", nil)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeEnvelope(t, w)
			if body.Success {
				t.Error("success = true, want false")
			}
			if body.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", body.Message, tt.wantMsg)
			}
			if body.CorrelationID == "" {
				t.Error("correlationIdが空")
			}
			if body.Timestamp.IsZero() {
				t.Error("timestampが空")
			}
		})
	}

	t.Run("検証エラーはフィールド詳細を含むこと", func(t *testing.T) {
		t.Parallel()

		router := newTestRouter(nil)
		router.POST("/patients", func(c *gin.Context) {
			_ = c.Error(apierror.Validation(
				apierror.FieldError{Field: "email", Message: "must be a well-formed email address", RejectedValue: "not-an-email"},
				apierror.FieldError{Field: "firstName", Message: "must not be blank", RejectedValue: ""},
			))
		})

		w := doRequest(router, http.MethodPost, "/patients", nil)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		body := decodeEnvelope(t, w)
		if len(body.Errors) != 2 {
			t.Fatalf("errors = %+v, 2件であるべき", body.Errors)
		}
		if body.Errors[0].Field != "email" || body.Errors[0].RejectedValue != "not-an-email" {
			t.Errorf("errors[0] = %+v", body.Errors[0])
		}
	})

	t.Run("4xxはwarn、5xxはerrorレベルで相関ID付きでログ出力されること", func(t *testing.T) {
		t.Parallel()

		var logs bytes.Buffer
		router := newTestRouter(slog.New(slog.NewJSONHandler(&logs, nil)))
		router.GET("/warn", func(c *gin.Context) { _ = c.Error(apierror.New(apierror.NotFound, "x")) })
		router.GET("/error", func(c *gin.Context) { _ = c.Error(errors.New("boom")) })

		doRequest(router, http.MethodGet, "/warn", nil)
		if !strings.Contains(logs.String(), `"level":"WARN"`) {
			t.Errorf("warnレベルで出力されていない: %s", logs.String())
		}

		logs.Reset()
		doRequest(router, http.MethodGet, "/error", nil)
		if !strings.Contains(logs.String(), `"level":"ERROR"`) || !strings.Contains(logs.String(), "boom") {
			t.Errorf("errorレベルで詳細が出力されていない: %s", logs.String())
		}
	})

	t.Run("エラーが無い場合はレスポンスを変更しないこと", func(t *testing.T) {
		t.Parallel()

		router := newTestRouter(nil)
		router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "fine") })

		w := doRequest(router, http.MethodGet, "/ok", nil)
		if w.Code != http.StatusOK || w.Body.String() != "fine" {
			t.Errorf("status=%d body=%q", w.Code, w.Body.String())
		}
	})

	t.Run("未定義のパスは404、未許可のメソッドは405になること", func(t *testing.T) {
		t.Parallel()

		router := newTestRouter(nil)
		router.GET("/only-get", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := doRequest(router, http.MethodGet, "/nowhere", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		if body := decodeEnvelope(t, w); body.Success || body.CorrelationID == "" {
			t.Errorf("body = %+v", body)
		}

		w = doRequest(router, http.MethodDelete, "/only-get", nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
	})
}

package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/logging"
	"github.com/nao1215/patient-api/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter は相関ID・エラーハンドラ・リカバリを登録したルーターを生成する。
// loggerがnilの場合はログを破棄する。
func newTestRouter(logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(Correlation(), ErrorHandler(logger), Recovery())
	router.NoRoute(NoRoute())
	router.NoMethod(NoMethod())
	return router
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeEnvelope はレスポンスボディを共通エンベロープとしてパースする。
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return env
}

// decodeJSON はレスポンスボディを任意の構造体にパースする。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
}

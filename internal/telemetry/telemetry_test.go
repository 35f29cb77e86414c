package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestMetricsMiddleware はリクエストメトリクスの記録を検証する。
func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m := NewMetrics("patient-api")
	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/api/v1/patients/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/denied", func(c *gin.Context) { c.AbortWithStatus(http.StatusTooManyRequests) })

	for _, path := range []string{"/api/v1/patients/1", "/api/v1/patients/2", "/denied", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	tests := []struct {
		name   string
		route  string
		status string
		want   float64
	}{
		{"ルートテンプレートで集計されること", "/api/v1/patients/:id", "200", 2},
		{"中断されたリクエストも記録されること", "/denied", "429", 1},
		{"未定義のパスはunmatchedになること", unmatchedRoute, "404", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, tt.route, tt.status))
			if got != tt.want {
				t.Errorf("http_requests_total = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestMetricsRecord はレート制限判定の集計を検証する。
func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	m := NewMetrics("patient-api")
	var rec ratelimit.StatsRecorder = m
	ctx := context.Background()
	_ = rec.Record(ctx, ratelimit.Event{Allowed: true})
	_ = rec.Record(ctx, ratelimit.Event{Allowed: true})
	_ = rec.Record(ctx, ratelimit.Event{Allowed: false})

	if got := testutil.ToFloat64(m.rateLimitOutcome.WithLabelValues("allowed")); got != 2 {
		t.Errorf("allowed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitOutcome.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
}

// TestMetricsHandler は/metricsの出力を検証する。
func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("patient-api")
	_ = m.Record(context.Background(), ratelimit.Event{Allowed: false})

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("/metricsの取得に失敗: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	want := `ratelimit_decisions_total{outcome="denied",service="patient-api"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("出力に %q が含まれない", want)
	}
}

// TestNewTracerProvider はスパンがエクスポートされることを検証する。
func TestNewTracerProvider(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := context.Background()
	tp, err := NewTracerProvider(ctx, "patient-api", "1.0.0", &buf)
	if err != nil {
		t.Fatalf("NewTracerProvider()でエラーが発生: %v", err)
	}

	_, span := tp.Tracer("test").Start(ctx, "load-patient")
	span.End()
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown()でエラーが発生: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "load-patient") {
		t.Errorf("スパン名が出力されていない: %s", out)
	}
	if !strings.Contains(out, "patient-api") {
		t.Errorf("サービス名が出力されていない: %s", out)
	}
}

// Package telemetry はPrometheusメトリクスとOpenTelemetryトレースを提供する。
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute はルートに一致しなかったリクエストのラベル。
const unmatchedRoute = "unmatched"

// Metrics はRED（Rate, Errors, Duration）メトリクスとレート制限の判定数を保持する。
// 登録先はインスタンスごとのレジストリで、グローバルレジストリは使わない。
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitOutcome *prometheus.CounterVec
}

// NewMetrics はメトリクスを初期化する。serviceNameはserviceラベルに使う。
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Histogram of HTTP request latency",
				ConstLabels: labels,
				Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		rateLimitOutcome: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ratelimit_decisions_total",
				Help:        "Total number of rate limit decisions",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitOutcome,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Middleware はリクエスト数とレイテンシを記録するGinミドルウェアを返す。
// 中断されたリクエストも最終ステータスで記録する。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Record はレート制限の判定を数える。ratelimit.StatsRecorderを満たす。
func (m *Metrics) Record(_ context.Context, ev ratelimit.Event) error {
	outcome := "allowed"
	if !ev.Allowed {
		outcome = "denied"
	}
	m.rateLimitOutcome.WithLabelValues(outcome).Inc()
	return nil
}

// Handler は/metricsエンドポイント用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

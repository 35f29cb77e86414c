package health

import (
	"log/slog"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	statusUp   = "UP"
	statusDown = "DOWN"

	acceptingTraffic = "ACCEPTING_TRAFFIC"
	refusingTraffic  = "REFUSING_TRAFFIC"
)

// Info は/infoで返すアプリケーション情報。
type Info struct {
	Name        string
	Version     string
	Description string
}

// Handler はヘルスチェックのHTTPハンドラ。
type Handler struct {
	info   Info
	checks []Check
	ready  atomic.Bool
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler は新しいHandlerを生成する。生成直後はトラフィックを受け付ける状態。
func NewHandler(info Info, logger *slog.Logger, checks ...Check) *Handler {
	h := &Handler{info: info, checks: checks, logger: logger, now: time.Now}
	h.ready.Store(true)
	return h
}

// SetReady はトラフィックを受け付けるかを切り替える。シャットダウン開始時にfalseにする。
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Register はルートを登録する。
func (h *Handler) Register(rg *gin.RouterGroup) {
	// 死活監視
	rg.GET("/health", h.handleHealth())
	// 準備完了
	rg.GET("/ready", h.handleReady())
	// アプリケーション情報
	rg.GET("/info", h.handleInfo())
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}

// handleHealth はプロセスが生きていれば常にUPを返す。
func (h *Handler) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    statusUp,
			"timestamp": h.timestamp(),
			"checks":    gin.H{"liveness": statusUp},
		})
	}
}

// handleReady は依存先の疎通を確認し、すべてUPなら200、それ以外は503を返す。
func (h *Handler) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := make(map[string]string, len(h.checks)+1)
		ok := true
		for _, chk := range h.checks {
			if err := chk.Check(ctx); err != nil {
				h.logger.WarnContext(ctx, "依存先の疎通確認に失敗しました",
					slog.String("check", chk.Name()),
					slog.String("error", err.Error()),
				)
				checks[chk.Name()] = statusDown
				ok = false
				continue
			}
			checks[chk.Name()] = statusUp
		}

		readiness := acceptingTraffic
		if !h.ready.Load() {
			readiness = refusingTraffic
			ok = false
		}
		checks["readiness"] = readiness

		status, code := statusUp, http.StatusOK
		if !ok {
			status, code = statusDown, http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": h.timestamp(),
			"checks":    checks,
		})
	}
}

// handleInfo はアプリケーション情報を返す。
func (h *Handler) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        h.info.Name,
			"version":     h.info.Version,
			"description": h.info.Description,
			"timestamp":   h.timestamp(),
			"build": gin.H{
				"go":  runtime.Version(),
				"gin": gin.Version,
			},
		})
	}
}

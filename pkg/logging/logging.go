// Package logging はslogベースの構造化ロガーを提供する。
//
// ハンドラはリクエストコンテキストから相関ID・リクエストID・トレースIDを読み取り、
// 各ログレコードに付与する。IDはコンテキスト経由でのみ渡るため、
// リクエスト終了後に別のリクエストのログへ混入することはない。
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nao1215/patient-api/pkg/correlation"
	"go.opentelemetry.io/otel/trace"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json, text）。
	Format string
	// Output は出力先。nilの場合は標準出力。
	Output io.Writer
}

// New は設定に基づいてロガーを生成する。
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(NewContextHandler(h))
}

// ParseLevel は文字列をslog.Levelに変換する。未知の値はinfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type attrsKey struct{}

// WithAttrs はリクエストスコープのログ属性をコンテキストに追加する。
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

// ContextHandler はコンテキスト由来の属性を付与するslog.Handler。
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler はinnerをラップしたContextHandlerを返す。
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

// Enabled はslog.Handlerを実装する。
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle はコンテキストの属性をレコードに追加して内側のハンドラに渡す。
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		ids := correlation.FromContext(ctx)
		if ids.CorrelationID != "" {
			r.AddAttrs(slog.String("correlation_id", ids.CorrelationID))
		}
		if ids.RequestID != "" {
			r.AddAttrs(slog.String("request_id", ids.RequestID))
		}
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
			r.AddAttrs(
				slog.String("trace_id", spanCtx.TraceID().String()),
				slog.String("span_id", spanCtx.SpanID().String()),
			)
		}
		if attrs, ok := ctx.Value(attrsKey{}).([]slog.Attr); ok {
			r.AddAttrs(attrs...)
		}
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs はslog.Handlerを実装する。
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup はslog.Handlerを実装する。
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}

// Discard はテスト用に出力を捨てるロガーを返す。
func Discard() *slog.Logger {
	return slog.New(NewContextHandler(slog.DiscardHandler))
}

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event は1回の判定結果を表す統計イベント。
type Event struct {
	// Key はクライアントキー。
	Key string
	// Allowed は許可されたかどうか。
	Allowed bool
	// Method はHTTPメソッド。
	Method string
	// Route はマッチしたルートパターン。
	Route string
	// At は判定時刻。
	At time.Time
}

// StatsRecorder は判定結果を記録する。
type StatsRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// RedisStatsRecorder は判定結果をRedisのハッシュに集計する。
// 集計値は参照用の統計であり、バケットの状態はノードローカルのまま共有しない。
type RedisStatsRecorder struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStatsOption はRedisStatsRecorderの追加設定。
type RedisStatsOption func(*RedisStatsRecorder)

// WithStatsPrefix はRedisキーの接頭辞を設定する。
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(r *RedisStatsRecorder) {
		r.prefix = strings.Trim(prefix, ":")
	}
}

// WithStatsTTL は分単位集計キーの保持期間を設定する。
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(r *RedisStatsRecorder) {
		r.ttl = d
	}
}

// NewRedisStatsRecorder は新しいRedisStatsRecorderを生成する。
func NewRedisStatsRecorder(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsRecorder {
	r := &RedisStatsRecorder{
		rdb:    rdb,
		prefix: "patient-api:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record はイベントを累計・分単位・ルート単位のハッシュに加算する。
func (r *RedisStatsRecorder) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)

	minuteKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if route := strings.TrimSpace(ev.Method + " " + ev.Route); route != "" {
		pipe.HIncrBy(ctx, r.prefix+":route", route+":"+field, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("レート制限統計の記録に失敗: %w", err)
	}
	return nil
}

// AsyncRecorder は記録処理をバックグラウンドで行うStatsRecorder。
// キューが満杯のときはイベントを破棄し、リクエスト処理をブロックしない。
type AsyncRecorder struct {
	inner   StatsRecorder
	queue   chan Event
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAsyncRecorder はinnerをラップしたAsyncRecorderを生成する。
func NewAsyncRecorder(inner StatsRecorder, size int, logger *slog.Logger) *AsyncRecorder {
	if size <= 0 {
		size = 1024
	}
	return &AsyncRecorder{
		inner:  inner,
		queue:  make(chan Event, size),
		logger: logger,
	}
}

// Record はイベントをキューに積む。
func (a *AsyncRecorder) Record(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Dropped は破棄したイベント数を返す。
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Run はctxが終了するまでキューのイベントを記録する。終了時に残りのイベントを書き出す。
func (a *AsyncRecorder) Run(ctx context.Context) {
	// 取り出したイベントはctxの終了と競合しても書き出す
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-a.queue:
			a.record(writeCtx, ev)
		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

func (a *AsyncRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-a.queue:
			a.record(ctx, ev)
		default:
			return
		}
	}
}

func (a *AsyncRecorder) record(ctx context.Context, ev Event) {
	if err := a.inner.Record(ctx, ev); err != nil {
		a.logger.WarnContext(ctx, "レート制限統計の記録に失敗", slog.String("error", err.Error()))
	}
}

// MultiRecorder は複数のStatsRecorderへ順に記録する。
type MultiRecorder []StatsRecorder

// Record は全てのレコーダーに記録し、最初のエラーを返す。
func (m MultiRecorder) Record(ctx context.Context, ev Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

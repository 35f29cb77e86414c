// Package ratelimit はクライアント単位のトークンバケットによる流量制御を提供する。
//
// バケットはキーごとに遅延生成し、sync.Mapで保持する。異なるキー同士はロックを共有しない。
// 消費と残量の読み取りはバケットごとのロックの中で行うため、
// Decision.Remainingは常にそのリクエスト自身の消費直後の値になる。
// 複数ノード間でバケットは共有しない。
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerInterval は1インターバルあたりの既定許容リクエスト数。
	DefaultRequestsPerInterval = 60
	// DefaultInterval は既定の補充インターバル。
	DefaultInterval = time.Minute
	// RetryAfter は拒否時にクライアントへ返す再試行までの待ち時間。
	RetryAfter = 60 * time.Second
)

// Config はLimiterの設定。
type Config struct {
	// RequestsPerInterval はバケット容量かつ1インターバルあたりの補充量。
	RequestsPerInterval int
	// Interval は補充インターバル。
	Interval time.Duration
	// IdleTTL はこの期間アクセスのないバケットをCleanupで削除する。0は削除しない。
	// 削除済みのバケットには課金せず、Allowは新しいバケットを取り直す。
	IdleTTL time.Duration
	// CleanupEvery はStartJanitorの実行間隔。0の場合はIdleTTLの半分。
	CleanupEvery time.Duration
}

// Decision は1リクエストに対する判定結果。
type Decision struct {
	// Allowed は許可されたかどうか。
	Allowed bool
	// Limit はバケット容量。
	Limit int
	// Remaining は消費後の残りトークン数。
	Remaining int
	// RetryAfter は拒否時の再試行までの待ち時間。許可時は0。
	RetryAfter time.Duration
}

// Limiter はキーごとのトークンバケットを管理する。
type Limiter struct {
	buckets      sync.Map // map[string]*bucket
	count        atomic.Int64
	capacity     int
	refill       rate.Limit
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

// bucket は1クライアント分の状態。
type bucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
	// lastSeen は最終アクセス時刻。
	lastSeen time.Time
	// evicted はCleanupでマップから外されたことを示す。
	evicted bool
}

// Option はLimiterの追加設定。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New は新しいLimiterを生成する。0以下の値は既定値で補う。
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerInterval <= 0 {
		cfg.RequestsPerInterval = DefaultRequestsPerInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = cfg.IdleTTL / 2
	}

	l := &Limiter{
		capacity:     cfg.RequestsPerInterval,
		refill:       rate.Limit(float64(cfg.RequestsPerInterval) / cfg.Interval.Seconds()),
		idleTTL:      cfg.IdleTTL,
		cleanupEvery: cfg.CleanupEvery,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit はバケット容量を返す。
func (l *Limiter) Limit() int {
	return l.capacity
}

// Allow はkeyのバケットからトークンを1つ消費できるかを判定する。
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	for {
		b := l.bucketFor(key)

		b.mu.Lock()
		if b.evicted {
			// Cleanupと競合した。マップにある最新のバケットで取り直す
			b.mu.Unlock()
			continue
		}
		b.lastSeen = now
		allowed := b.lim.AllowN(now, 1)
		tokens := b.lim.TokensAt(now)
		b.mu.Unlock()

		if !allowed {
			return Decision{
				Allowed:    false,
				Limit:      l.capacity,
				Remaining:  0,
				RetryAfter: RetryAfter,
			}
		}
		return Decision{
			Allowed:   true,
			Limit:     l.capacity,
			Remaining: l.clamp(tokens),
		}
	}
}

// Available はkeyのバケットの現在のトークン数を返す。バケットが未生成なら容量を返す。
func (l *Limiter) Available(key string) float64 {
	v, ok := l.buckets.Load(key)
	if !ok {
		return float64(l.capacity)
	}
	b := v.(*bucket)
	b.mu.Lock()
	tokens := b.lim.TokensAt(l.now())
	b.mu.Unlock()
	return math.Max(0, math.Min(tokens, float64(l.capacity)))
}

// Len は保持しているバケット数を返す。
func (l *Limiter) Len() int {
	return int(l.count.Load())
}

// Cleanup はIdleTTLより長くアクセスのないバケットを削除し、削除数を返す。
// IdleTTLが0の場合は何もしない。
func (l *Limiter) Cleanup(now time.Time) int {
	if l.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-l.idleTTL)

	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.evicted || !b.lastSeen.Before(cutoff) {
			return true
		}
		if l.buckets.CompareAndDelete(k, b) {
			b.evicted = true
			l.count.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// StartJanitor はctxが終了するまで定期的にCleanupを実行するゴルーチンを起動する。
// IdleTTLが0の場合は起動しない。
func (l *Limiter) StartJanitor(ctx context.Context) {
	if l.idleTTL <= 0 || l.cleanupEvery <= 0 {
		return
	}

	ticker := time.NewTicker(l.cleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(l.now())
			}
		}
	}()
}

// bucketFor はkeyのバケットを取得し、なければ満タンのバケットを生成する。
// 最終アクセス時刻の更新は呼び出し側がbucket.muの中で行う。
func (l *Limiter) bucketFor(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}

	fresh := &bucket{lim: rate.NewLimiter(l.refill, l.capacity), lastSeen: l.now()}
	v, loaded := l.buckets.LoadOrStore(key, fresh)
	if !loaded {
		l.count.Add(1)
	}
	return v.(*bucket)
}

func (l *Limiter) clamp(tokens float64) int {
	n := int(math.Floor(tokens))
	if n < 0 {
		return 0
	}
	if n > l.capacity {
		return l.capacity
	}
	return n
}

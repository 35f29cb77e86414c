// Package server は設定からHTTPサーバーを組み立てて起動する。
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/internal/auth"
	"github.com/nao1215/patient-api/internal/config"
	"github.com/nao1215/patient-api/internal/docs"
	"github.com/nao1215/patient-api/internal/health"
	"github.com/nao1215/patient-api/internal/patient"
	"github.com/nao1215/patient-api/internal/telemetry"
	"github.com/nao1215/patient-api/pkg/middleware"
	"github.com/nao1215/patient-api/pkg/ratelimit"
	"github.com/nao1215/patient-api/pkg/token"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// statsQueueSize はRedisへ非同期に書き出すレート制限イベントのキュー長。
const statsQueueSize = 1024

// Server は患者APIのHTTPサーバー。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *gin.Engine
	db      *sql.DB
	rdb     redis.UniversalClient
	limiter *ratelimit.Limiter
	stats   *ratelimit.AsyncRecorder
	health  *health.Handler
	tracer  *sdktrace.TracerProvider
	metrics *telemetry.Metrics

	// ownDB/ownRedis はNew内で開いた接続かどうか。Closeで閉じる対象。
	ownDB    bool
	ownRedis bool
}

// Option はServerの生成時設定。
type Option func(*options)

type options struct {
	db          *sql.DB
	rdb         redis.UniversalClient
	now         func() time.Time
	traceWriter io.Writer
	bcryptCost  int
}

// WithDB は既存のデータベース接続を使う。接続のクローズは呼び出し側が行う。
func WithDB(db *sql.DB) Option {
	return func(o *options) { o.db = db }
}

// WithRedis は既存のRedisクライアントを使う。クライアントのクローズは呼び出し側が行う。
func WithRedis(rdb redis.UniversalClient) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithClock はトークンとレート制限が参照する現在時刻を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTraceWriter はトレースの出力先を変更する。
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) { o.traceWriter = w }
}

// WithBcryptCost はデモユーザーのパスワードハッシュのコストを変更する。
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

// New は設定に従ってServerを組み立てる。データベースのマイグレーションもここで行う。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Server, err error) {
	o := options{now: time.Now, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	if s.db = o.db; s.db == nil {
		if s.db, err = openDB(cfg.Database.Path); err != nil {
			return nil, err
		}
		s.ownDB = true
	}
	if _, err := patient.Migrate(ctx, s.db, logger); err != nil {
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	if s.rdb = o.rdb; s.rdb == nil && cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.ownRedis = true
	}

	tokens, err := token.NewService(token.Config{
		Secret:   cfg.JWT.Secret,
		Lifetime: cfg.JWT.Lifetime(),
		Issuer:   cfg.JWT.Issuer,
	}, token.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("トークンサービスの初期化に失敗: %w", err)
	}

	users, err := auth.NewDemoStore(auth.WithBcryptCost(o.bcryptCost))
	if err != nil {
		return nil, fmt.Errorf("資格情報ストアの初期化に失敗: %w", err)
	}

	apiDocs, err := docs.NewHandler()
	if err != nil {
		return nil, err
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerInterval: cfg.RateLimit.RequestsPerMinute,
		Interval:            time.Minute,
		IdleTTL:             cfg.RateLimit.IdleTTL,
	}, ratelimit.WithClock(o.now))

	s.metrics = telemetry.NewMetrics(cfg.App.Name)
	recorders := ratelimit.MultiRecorder{s.metrics}
	checks := []health.Check{health.NewDBCheck(s.db)}
	if s.rdb != nil {
		s.stats = ratelimit.NewAsyncRecorder(ratelimit.NewRedisStatsRecorder(s.rdb), statsQueueSize, logger)
		recorders = append(recorders, s.stats)
		checks = append(checks, health.NewRedisCheck(s.rdb))
	}

	if cfg.Tracing.Enabled {
		if s.tracer, err = telemetry.NewTracerProvider(ctx, cfg.App.Name, cfg.App.Version, o.traceWriter); err != nil {
			return nil, err
		}
	}

	s.health = health.NewHandler(health.Info{
		Name:        cfg.App.Name,
		Version:     cfg.App.Version,
		Description: cfg.App.Description,
	}, logger, checks...)

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(middleware.Correlation())
	if s.tracer != nil {
		engine.Use(otelgin.Middleware(cfg.App.Name, otelgin.WithTracerProvider(s.tracer)))
	}
	engine.Use(
		middleware.AccessLog(logger),
		s.metrics.Middleware(),
		middleware.ErrorHandler(logger),
		middleware.Recovery(),
		middleware.CORS(cfg.CORS.AllowedOrigins),
		middleware.RateLimit(s.limiter, middleware.RateLimitOptions{
			Enabled:           cfg.RateLimit.Enabled,
			TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
			ExcludedPaths:     cfg.RateLimit.ExcludedPaths,
			Recorder:          recorders,
		}),
		middleware.Authenticate(tokens, cfg.Auth.PublicPaths),
	)
	engine.NoRoute(middleware.NoRoute())
	engine.NoMethod(middleware.NoMethod())

	api := engine.Group("/api/v1")
	s.health.Register(api)
	auth.NewHandler(users, tokens, logger).Register(api)
	patient.NewHandler(patient.NewStore(s.db), logger).Register(api)
	apiDocs.Register(engine)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.engine = engine
	return s, nil
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run は設定されたポートで待ち受け、ctxが終了したらグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("ポート %d での待ち受けに失敗: %w", s.cfg.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでリクエストを処理する。ctxが終了すると新規受付を止め、
// 処理中のリクエストをServer.ShutdownTimeoutまで待ってから戻る。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	s.limiter.StartJanitor(bgCtx)
	if s.stats != nil {
		wg.Go(func() { s.stats.Run(bgCtx) })
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.InfoContext(ctx, "HTTPサーバーを起動しました", slog.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("HTTPサーバーが異常終了: %w", err)
		}
	case <-ctx.Done():
		s.health.SetReady(false)
		s.logger.InfoContext(ctx, "シャットダウンを開始します")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("シャットダウンに失敗: %w", err)
		}
	}

	stopBackground()
	wg.Wait()
	s.logger.InfoContext(ctx, "HTTPサーバーを停止しました")
	return serveErr
}

// Close はNewで開いた接続とトレースプロバイダを閉じる。
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.tracer != nil {
		errs = append(errs, s.tracer.Shutdown(ctx))
	}
	if s.ownRedis && s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.ownDB && s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// openDB はSQLiteを開く。":memory:"の場合は接続を1本に固定する。
func openDB(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

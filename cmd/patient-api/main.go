// 患者APIサービスのエントリポイント。
// 相関ID付与、レート制限、JWT認証を経て患者情報のCRUDを提供する。
//
// "patient-api healthcheck" として起動すると、同じ設定で待ち受けているプロセスの
// /api/v1/ready を確認して終了コードを返す（コンテナのHEALTHCHECK用）。
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nao1215/patient-api/internal/config"
	"github.com/nao1215/patient-api/internal/server"
	"github.com/nao1215/patient-api/pkg/httpclient"
	"github.com/nao1215/patient-api/pkg/logging"
)

func main() {
	// .envは任意。存在しなければ環境変数のみを使う
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("PATIENT_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck(cfg))
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)
	if cfg.JWT.Secret == config.DefaultJWTSecret {
		logger.Warn("開発用のJWT署名鍵を使用しています。本番環境ではJWT_SECRETを設定してください")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("サーバーの初期化に失敗", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("患者APIサービスを起動します",
		slog.String("version", cfg.App.Version),
		slog.Int("port", cfg.Server.Port),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled),
		slog.Bool("redis", cfg.Redis.Addr != ""),
		slog.Bool("tracing", cfg.Tracing.Enabled),
	)
	runErr := srv.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(closeCtx); err != nil {
		logger.Warn("リソースの解放に失敗", slog.String("error", err.Error()))
	}
	if runErr != nil {
		logger.Error("患者APIサービスが異常終了しました", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
}

// healthcheck はローカルで稼働中のサーバーの準備状態を確認する。
func healthcheck(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := httpclient.New(fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), httpclient.WithTimeout(3*time.Second))
	if err := client.GetJSON(ctx, "/api/v1/ready", nil); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	return 0
}

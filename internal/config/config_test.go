package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// chdirTemp は設定ファイルの無い一時ディレクトリに移動する。
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// TestLoadDefaults は既定値の読み込みを検証する。
func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.JWT.Lifetime() != 24*time.Hour {
		t.Errorf("JWT.Lifetime() = %v, want 24h", cfg.JWT.Lifetime())
	}
	if cfg.JWT.Issuer != "healthcare-platform" {
		t.Errorf("JWT.Issuer = %q", cfg.JWT.Issuer)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 60 || !cfg.RateLimit.TrustProxyHeaders {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.IdleTTL != 0 {
		t.Errorf("RateLimit.IdleTTL = %v, 既定では削除しない", cfg.RateLimit.IdleTTL)
	}
	if !slices.Contains(cfg.RateLimit.ExcludedPaths, "/api/v1/health") {
		t.Errorf("RateLimit.ExcludedPaths = %v", cfg.RateLimit.ExcludedPaths)
	}
	if !slices.Contains(cfg.Auth.PublicPaths, "/api/v1/auth/**") {
		t.Errorf("Auth.PublicPaths = %v", cfg.Auth.PublicPaths)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Redis.Addr = %q, want empty", cfg.Redis.Addr)
	}
}

// TestLoadFile はYAMLファイルからの読み込みを検証する。
func TestLoadFile(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
server:
  port: 9090
jwt:
  issuer: test-issuer
  expiration_ms: 60000
rate_limit:
  requests_per_minute: 5
  idle_ttl: 15m
  excluded_paths:
    - /custom
cors:
  allowed_origins:
    - https://app.example
`
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("設定ファイルの作成に失敗: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.JWT.Issuer != "test-issuer" || cfg.JWT.Lifetime() != time.Minute {
		t.Errorf("JWT = %+v", cfg.JWT)
	}
	if cfg.RateLimit.RequestsPerMinute != 5 || cfg.RateLimit.IdleTTL != 15*time.Minute {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if !slices.Equal(cfg.RateLimit.ExcludedPaths, []string{"/custom"}) {
		t.Errorf("RateLimit.ExcludedPaths = %v", cfg.RateLimit.ExcludedPaths)
	}
	// ファイルに無いキーは既定値
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabledが既定値になっていない")
	}
}

// TestLoadMissingExplicitFile は明示したファイルが無い場合のエラーを検証する。
func TestLoadMissingExplicitFile(t *testing.T) {
	dir := chdirTemp(t)
	if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("存在しないファイルでLoad()が成功した")
	}
}

// TestLoadEnv は環境変数による上書きを検証する。
func TestLoadEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PATIENT_SERVER__PORT", "7070")
	t.Setenv("PATIENT_RATE_LIMIT__ENABLED", "false")
	t.Setenv("PATIENT_RATE_LIMIT__REQUESTS_PER_MINUTE", "120")
	t.Setenv("PATIENT_AUTH__PUBLIC_PATHS", "/a, /b/**")
	t.Setenv("PATIENT_REDIS__ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 40))
	t.Setenv("JWT_EXPIRATION", "3600000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false")
	}
	if cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("RateLimit.RequestsPerMinute = %d, want 120", cfg.RateLimit.RequestsPerMinute)
	}
	if !slices.Equal(cfg.Auth.PublicPaths, []string{"/a", "/b/**"}) {
		t.Errorf("Auth.PublicPaths = %v", cfg.Auth.PublicPaths)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.JWT.Secret != strings.Repeat("s", 40) {
		t.Errorf("JWT.Secret = %q", cfg.JWT.Secret)
	}
	if cfg.JWT.Lifetime() != time.Hour {
		t.Errorf("JWT.Lifetime() = %v, want 1h", cfg.JWT.Lifetime())
	}
}

// TestLoadEnvPrecedence は接頭辞付きの変数が別名より優先されることを検証する。
func TestLoadEnvPrecedence(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PORT", "8000")
	t.Setenv("PATIENT_SERVER__PORT", "8001")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if cfg.Server.Port != 8001 {
		t.Errorf("Server.Port = %d, want 8001", cfg.Server.Port)
	}
}

// TestLoadInvalid は不正な設定値の検出を検証する。
func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"短い署名鍵", "PATIENT_JWT__SECRET", "short", "Secret"},
		{"1秒未満の有効期間", "PATIENT_JWT__EXPIRATION_MS", "10", "ExpirationMs"},
		{"0以下の許容数", "PATIENT_RATE_LIMIT__REQUESTS_PER_MINUTE", "0", "RequestsPerMinute"},
		{"未知のログレベル", "PATIENT_LOG__LEVEL", "verbose", "Level"},
		{"ポート範囲外", "PATIENT_SERVER__PORT", "70000", "Port"},
		{"Redisアドレス形式不正", "PATIENT_REDIS__ADDR", "no-port", "Addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			if err == nil {
				t.Fatal("不正な設定でLoad()が成功した")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, %sを含まない", err, tt.want)
			}
		})
	}
}

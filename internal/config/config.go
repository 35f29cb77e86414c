// Package config はアプリケーション設定の読み込みと検証を行う。
//
// 読み込み順は既定値、YAMLファイル、環境変数の順で、後のものが優先される。
// 環境変数は PATIENT_ 接頭辞を持ち、"__" で階層を区切る
// （例: PATIENT_RATE_LIMIT__REQUESTS_PER_MINUTE=120）。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix は設定を上書きする環境変数の接頭辞。
const EnvPrefix = "PATIENT_"

// DefaultFile は既定の設定ファイルパス。存在しなくてもよい。
const DefaultFile = "config.yaml"

// DefaultJWTSecret は開発用の署名鍵。本番では必ず上書きすること。
const DefaultJWTSecret = "your-256-bit-secret-key-for-jwt-signing-which-should-be-at-least-256-bits"

// Config はアプリケーション全体の設定。
type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	JWT       JWTConfig       `koanf:"jwt"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Auth      AuthConfig      `koanf:"auth"`
	CORS      CORSConfig      `koanf:"cors"`
	Redis     RedisConfig     `koanf:"redis"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

// AppConfig は/api/v1/infoで公開するアプリケーション情報。
type AppConfig struct {
	Name        string `koanf:"name" validate:"required"`
	Version     string `koanf:"version" validate:"required"`
	Description string `koanf:"description"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig はSQLiteの設定。
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// JWTConfig はトークンサービスの設定。
type JWTConfig struct {
	Secret       string `koanf:"secret" validate:"required,min=32"`
	ExpirationMs int64  `koanf:"expiration_ms" validate:"min=1000"`
	Issuer       string `koanf:"issuer" validate:"required"`
}

// Lifetime はトークンの有効期間を返す。
func (c JWTConfig) Lifetime() time.Duration {
	return time.Duration(c.ExpirationMs) * time.Millisecond
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Enabled           bool          `koanf:"enabled"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"min=1"`
	TrustProxyHeaders bool          `koanf:"trust_proxy_headers"`
	IdleTTL           time.Duration `koanf:"idle_ttl" validate:"min=0"`
	ExcludedPaths     []string      `koanf:"excluded_paths"`
}

// AuthConfig は認証の設定。
type AuthConfig struct {
	PublicPaths []string `koanf:"public_paths"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// RedisConfig はRedisの設定。Addrが空の場合はRedisを使わない。
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"omitempty,hostname_port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// TracingConfig はOpenTelemetryトレースの設定。
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// defaults は既定値。ファイルにも環境変数にも無いキーに適用する。
var defaults = map[string]any{
	"app.name":                       "patient-api",
	"app.version":                    "1.0.0",
	"app.description":                "Patient management REST API",
	"server.port":                    8080,
	"server.shutdown_timeout":        "10s",
	"database.path":                  "patient.db",
	"log.level":                      "info",
	"log.format":                     "json",
	"jwt.secret":                     DefaultJWTSecret,
	"jwt.expiration_ms":              86400000,
	"jwt.issuer":                     "healthcare-platform",
	"rate_limit.enabled":             true,
	"rate_limit.requests_per_minute": 60,
	"rate_limit.trust_proxy_headers": true,
	"rate_limit.idle_ttl":            "0s",
	"rate_limit.excluded_paths": []string{
		"/api/v1/health",
		"/api/v1/ready",
		"/api/v1/info",
		"/v3/api-docs",
		"/v3/api-docs/**",
		"/v3/api-docs.yaml",
		"/metrics",
	},
	"auth.public_paths": []string{
		"/api/v1/auth/**",
		"/api/v1/health",
		"/api/v1/ready",
		"/api/v1/info",
		"/v3/api-docs",
		"/v3/api-docs/**",
		"/v3/api-docs.yaml",
		"/metrics",
	},
	"cors.allowed_origins": []string{"http://localhost:3000", "http://localhost:8080"},
	"redis.addr":           "",
	"redis.db":             0,
	"tracing.enabled":      false,
}

// listKeys はカンマ区切りの環境変数をスライスとして扱うキー。
var listKeys = map[string]struct{}{
	"rate_limit.excluded_paths": {},
	"auth.public_paths":         {},
	"cors.allowed_origins":      {},
}

// aliases は接頭辞なしで受け付ける環境変数名。
var aliases = map[string]string{
	"PORT":                           "server.port",
	"JWT_SECRET":                     "jwt.secret",
	"JWT_EXPIRATION":                 "jwt.expiration_ms",
	"JWT_ISSUER":                     "jwt.issuer",
	"RATE_LIMIT_ENABLED":             "rate_limit.enabled",
	"RATE_LIMIT_REQUESTS_PER_MINUTE": "rate_limit.requests_per_minute",
}

// Load は設定を読み込んで検証する。pathが空の場合はDefaultFileを読み、存在しなければ無視する。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	optional := path == ""
	if optional {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	// 接頭辞なしの別名は接頭辞付きの変数より優先度を低くする
	if err := k.Load(env.ProviderWithValue("", ".", aliasValue), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", prefixedValue), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("既定値 %s の設定に失敗: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("設定値が不正です: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("設定値の検証に失敗: %w", err)
	}
	return nil
}

// prefixedValue はPATIENT_RATE_LIMIT__ENABLEDのような変数名をrate_limit.enabledに変換する。
func prefixedValue(key, value string) (string, any) {
	k := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	return k, convertValue(k, value)
}

// aliasValue は別名の環境変数だけを取り込み、それ以外は無視する。
func aliasValue(key, value string) (string, any) {
	k, ok := aliases[key]
	if !ok {
		return "", nil
	}
	return k, convertValue(k, value)
}

func convertValue(key, value string) any {
	if _, ok := listKeys[key]; !ok {
		return value
	}
	var items []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

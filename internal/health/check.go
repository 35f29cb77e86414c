// Package health は死活監視・準備完了・アプリケーション情報のエンドポイントを提供する。
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Check は依存先1つ分の疎通確認。
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// defaultCheckTimeout は1つの確認に許す時間。
const defaultCheckTimeout = 2 * time.Second

// DBCheck はデータベースへのPingで疎通を確認する。
type DBCheck struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDBCheck は新しいDBCheckを生成する。
func NewDBCheck(db *sql.DB) *DBCheck {
	return &DBCheck{db: db, timeout: defaultCheckTimeout}
}

// Name はチェック名を返す。
func (h *DBCheck) Name() string { return "database" }

// Check はデータベースにPingする。
func (h *DBCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// RedisCheck はRedisへのPINGで疎通を確認する。
type RedisCheck struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisCheck は新しいRedisCheckを生成する。
func NewRedisCheck(client redis.Cmdable) *RedisCheck {
	return &RedisCheck{client: client, timeout: defaultCheckTimeout}
}

// Name はチェック名を返す。
func (h *RedisCheck) Name() string { return "redis" }

// Check はRedisにPINGを送る。
func (h *RedisCheck) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

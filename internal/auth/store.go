// Package auth はログインAPIと資格情報ストアを提供する。
package auth

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

// Credential は1ユーザー分の資格情報。
type Credential struct {
	// Username はログイン名。
	Username string
	// PasswordHash はbcryptハッシュ。
	PasswordHash []byte
	// Roles はトークンに載せるロール。
	Roles []string
}

// Store はユーザー名から資格情報を引く。
type Store interface {
	Lookup(ctx context.Context, username string) (Credential, bool)
}

// DemoUser はデモ用ユーザーの平文定義。
type DemoUser struct {
	Username string
	Password string
	Roles    []string
}

// DemoUsers は既定で登録されるデモ用ユーザー。
var DemoUsers = []DemoUser{
	{Username: "admin", Password: "admin123", Roles: []string{"ADMIN", "USER"}},
	{Username: "user", Password: "user123", Roles: []string{"USER"}},
	{Username: "doctor", Password: "doctor123", Roles: []string{"DOCTOR", "USER"}},
	{Username: "nurse", Password: "nurse123", Roles: []string{"NURSE", "USER"}},
}

// MemoryStore はメモリ上の資格情報ストア。生成後は読み取り専用。
type MemoryStore struct {
	users map[string]Credential
}

// StoreOption はMemoryStoreの生成時設定。
type StoreOption func(*storeOptions)

type storeOptions struct {
	cost int
}

// WithBcryptCost はパスワードハッシュのコストを変更する。
func WithBcryptCost(cost int) StoreOption {
	return func(o *storeOptions) { o.cost = cost }
}

// NewMemoryStore は平文のユーザー定義をハッシュ化してストアを生成する。
func NewMemoryStore(users []DemoUser, opts ...StoreOption) (*MemoryStore, error) {
	o := storeOptions{cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore{users: make(map[string]Credential, len(users))}
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), o.cost)
		if err != nil {
			return nil, fmt.Errorf("ユーザー %s のパスワードハッシュ生成に失敗: %w", u.Username, err)
		}
		s.users[u.Username] = Credential{
			Username:     u.Username,
			PasswordHash: hash,
			Roles:        slices.Clone(u.Roles),
		}
	}
	return s, nil
}

// NewDemoStore はDemoUsersを登録したストアを生成する。
func NewDemoStore(opts ...StoreOption) (*MemoryStore, error) {
	return NewMemoryStore(DemoUsers, opts...)
}

// Lookup は資格情報を返す。
func (s *MemoryStore) Lookup(_ context.Context, username string) (Credential, bool) {
	c, ok := s.users[username]
	return c, ok
}

// Package token は署名付きアクセストークン（HS256 JWT）の発行と検証を行う。
//
// 検証は署名と有効期限だけで完結し、サーバー側のセッションストアは参照しない。
// 署名鍵はServiceの生成時に一度だけ読み込み、以降は変更しない。
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/patient-api/pkg/apierror"
)

// MinSecretLength はHS256の署名鍵に要求する最小バイト数。
const MinSecretLength = 32

// Config はトークンサービスの設定。
type Config struct {
	// Secret はHMAC署名鍵。
	Secret string
	// Lifetime はトークンの有効期間。
	Lifetime time.Duration
	// Issuer は発行者名。検証時にも一致を要求する。
	Issuer string
}

// Claims はトークンに埋め込むクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// Roles はカンマ区切りのロール一覧。
	Roles string `json:"roles"`
}

// Identity は検証済みトークンから取り出した呼び出し元の情報。
type Identity struct {
	// Subject はクライアント識別子（ユーザー名）。
	Subject string
	// Roles はロール一覧。
	Roles []string
	// IssuedAt は発行時刻。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// Service はトークンの発行と検証を行う。生成後は読み取り専用のため並行利用できる。
type Service struct {
	key      []byte
	lifetime time.Duration
	issuer   string
	now      func() time.Time
	parser   *jwt.Parser
}

// Option はServiceの追加設定。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// errUnsupportedMethod はkeyfuncがHS256以外の署名方式を拒否したことを示す。
var errUnsupportedMethod = errors.New("unsupported signing method")

// NewService は新しいServiceを生成する。
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("署名鍵は%dバイト以上必要です: %dバイト", MinSecretLength, len(cfg.Secret))
	}
	// NumericDateは秒精度のため、1秒未満の有効期間ではexp > iatを保証できない
	if cfg.Lifetime < time.Second {
		return nil, fmt.Errorf("有効期間は1秒以上必要です: %s", cfg.Lifetime)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("発行者名が空です")
	}

	s := &Service{
		key:      []byte(cfg.Secret),
		lifetime: cfg.Lifetime,
		issuer:   cfg.Issuer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.parser = jwt.NewParser(
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

// Lifetime はトークンの有効期間を返す。
func (s *Service) Lifetime() time.Duration {
	return s.lifetime
}

// Issue は指定したサブジェクトとロールのトークンを発行する。
func (s *Service) Issue(subject string, roles []string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", apierror.New(apierror.InvalidToken, "Token subject must not be blank")
	}
	joined := joinRoles(roles)
	if joined == "" {
		return "", apierror.New(apierror.InvalidToken, "Token roles must not be empty")
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
		Roles: joined,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証し、呼び出し元の情報を返す。
// 失敗時は*apierror.Errorを返し、Kindは次のいずれかになる。
//   - MalformedToken: 構造不正または署名不一致
//   - ExpiredToken: 有効期限切れ
//   - UnsupportedToken: HS256以外の署名方式
//   - InvalidToken: 空文字列、クレーム欠落、発行者不一致などその他
func (s *Service) Verify(tokenString string) (*Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, apierror.New(apierror.InvalidToken, "JWT token is empty")
	}

	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apierror.New(apierror.InvalidToken, "JWT token has no subject")
	}
	roles := splitRoles(claims.Roles)
	if len(roles) == 0 {
		return nil, apierror.New(apierror.InvalidToken, "JWT token has no roles")
	}

	id := &Identity{
		Subject: claims.Subject,
		Roles:   roles,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// IsValid はトークンが検証に成功するかを返す。
func (s *Service) IsValid(tokenString string) bool {
	_, err := s.Verify(tokenString)
	return err == nil
}

// UsernameFromToken は検証済みトークンのサブジェクトを返す。
func (s *Service) UsernameFromToken(tokenString string) (string, error) {
	id, err := s.Verify(tokenString)
	if err != nil {
		return "", err
	}
	return id.Subject, nil
}

// keyFunc はHS256のトークンにだけ署名鍵を返す。
func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("%w: %v", errUnsupportedMethod, t.Header["alg"])
	}
	return s.key, nil
}

// classify はjwtライブラリのエラーをapierrorのKindに変換する。
// 署名はクレームより先に検証されるため、改ざんされたトークンが期限切れと判定されることはない。
func classify(err error) *apierror.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apierror.Wrap(apierror.MalformedToken, "Invalid JWT token", err)
	case errors.Is(err, errUnsupportedMethod), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apierror.Wrap(apierror.UnsupportedToken, "JWT token is unsupported", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apierror.Wrap(apierror.ExpiredToken, "JWT token is expired", err)
	default:
		return apierror.Wrap(apierror.InvalidToken, "JWT token is invalid", err)
	}
}

// joinRoles は空白を除いたロールをカンマ区切りで連結する。
func joinRoles(roles []string) string {
	cleaned := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitRoles(s string) []string {
	var roles []string
	for r := range strings.SplitSeq(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

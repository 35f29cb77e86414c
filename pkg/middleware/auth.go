package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/logging"
	"github.com/nao1215/patient-api/pkg/token"
)

// contextKeyPrincipal はGinコンテキストに認証済みユーザーを格納するキー。
const contextKeyPrincipal = "principal"

// TokenVerifier はBearerトークンを検証する。
type TokenVerifier interface {
	Verify(tokenString string) (*token.Identity, error)
}

// Principal は認証済みの呼び出し元。1リクエストの間だけ存在する。
type Principal struct {
	// Username はトークンのサブジェクト。
	Username string
	// Roles はロール一覧。
	Roles []string
}

// HasRole はロールを持っているかを返す。"ROLE_"接頭辞の有無と大文字小文字は区別しない。
func (p Principal) HasRole(role string) bool {
	want := normalizeRole(role)
	return slices.ContainsFunc(p.Roles, func(r string) bool {
		return normalizeRole(r) == want
	})
}

func normalizeRole(r string) string {
	r = strings.ToUpper(strings.TrimSpace(r))
	return strings.TrimPrefix(r, "ROLE_")
}

type principalCtxKey struct{}

// WithPrincipal は認証済みユーザーを格納した子コンテキストを返す。
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext はリクエストコンテキストから認証済みユーザーを取り出す。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// Authenticate はBearerトークンを検証するGinミドルウェアを返す。
// publicPathsに一致するパスとOPTIONSリクエストは検証せずに通す。
// 検証に成功した場合はPrincipalをGinコンテキストとリクエストコンテキストに格納する。
// 失敗した場合はエラーを登録して中断し、後続のハンドラは実行しない。
func Authenticate(verifier TokenVerifier, publicPaths []string) gin.HandlerFunc {
	public := NewPathMatcher(publicPaths)

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || public.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		raw, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, apierror.New(apierror.MissingCredentials, "Full authentication is required to access this resource"))
			return
		}

		id, err := verifier.Verify(raw)
		if err != nil {
			abortWithError(c, apierror.From(err))
			return
		}

		p := Principal{Username: id.Subject, Roles: id.Roles}
		c.Set(contextKeyPrincipal, p)
		ctx := WithPrincipal(c.Request.Context(), p)
		ctx = logging.WithAttrs(ctx, slog.String("user", p.Username))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireAnyRole は指定したロールのいずれかを要求するGinミドルウェアを返す。
// Authenticateの後に登録する。
func RequireAnyRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			abortWithError(c, apierror.New(apierror.MissingCredentials, "Full authentication is required to access this resource"))
			return
		}
		if !slices.ContainsFunc(roles, p.HasRole) {
			abortWithError(c, apierror.New(apierror.Forbidden, "Access denied"))
			return
		}
		c.Next()
	}
}

// GetPrincipal はGinコンテキストから認証済みユーザーを取得する。
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(contextKeyPrincipal)
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// extractBearerToken はAuthorizationヘッダーからトークンを取り出す。
func extractBearerToken(header string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", false
	}
	return tok, true
}

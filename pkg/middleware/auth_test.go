package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/token"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests-0123456789"

// newTokenService はテスト用のトークンサービスを生成する。
func newTokenService(t *testing.T, now func() time.Time) *token.Service {
	t.Helper()
	opts := []token.Option{}
	if now != nil {
		opts = append(opts, token.WithClock(now))
	}
	svc, err := token.NewService(token.Config{Secret: testSecret, Lifetime: time.Hour, Issuer: "healthcare-platform"}, opts...)
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}
	return svc
}

// issue はテスト用のトークンを発行する。
func issue(t *testing.T, svc *token.Service, subject string, roles ...string) string {
	t.Helper()
	tok, err := svc.Issue(subject, roles)
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}
	return tok
}

// newAuthRouter は認証付きのテスト用ルーターを生成する。
func newAuthRouter(verifier TokenVerifier, called *bool) *gin.Engine {
	router := newTestRouter(nil)
	router.Use(Authenticate(verifier, []string{"/api/v1/auth/**", "/api/v1/health"}))
	router.GET("/api/v1/patients", func(c *gin.Context) {
		*called = true
		p, _ := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"username": p.Username})
	})
	router.POST("/api/v1/auth/login", func(c *gin.Context) {
		*called = true
		c.Status(http.StatusOK)
	})
	router.GET("/api/v1/health", func(c *gin.Context) {
		*called = true
		c.Status(http.StatusOK)
	})
	return router
}

// TestAuthenticate はAuthenticateミドルウェアを検証する。
func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでPrincipalが設定されること", func(t *testing.T) {
		t.Parallel()

		svc := newTokenService(t, nil)
		var fromCtx Principal
		router := newTestRouter(nil)
		router.Use(Authenticate(svc, nil))
		router.GET("/api/v1/patients", func(c *gin.Context) {
			fromCtx, _ = PrincipalFromContext(c.Request.Context())
			p, ok := GetPrincipal(c)
			if !ok {
				t.Error("Ginコンテキストにprincipalが無い")
			}
			c.JSON(http.StatusOK, gin.H{"username": p.Username})
		})

		w := doRequest(router, http.MethodGet, "/api/v1/patients", map[string]string{
			"Authorization": "Bearer " + issue(t, svc, "doctor", "DOCTOR", "USER"),
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if fromCtx.Username != "doctor" {
			t.Errorf("Username = %q, want %q", fromCtx.Username, "doctor")
		}
		if !fromCtx.HasRole("DOCTOR") || !fromCtx.HasRole("ROLE_USER") || fromCtx.HasRole("ADMIN") {
			t.Errorf("Roles = %v", fromCtx.Roles)
		}
	})

	t.Run("Bearerスキームは大文字小文字を区別しないこと", func(t *testing.T) {
		t.Parallel()

		svc := newTokenService(t, nil)
		var called bool
		router := newAuthRouter(svc, &called)
		w := doRequest(router, http.MethodGet, "/api/v1/patients", map[string]string{
			"Authorization": "bearer " + issue(t, svc, "user", "USER"),
		})
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	svc := newTokenService(t, nil)
	pastSvc := newTokenService(t, func() time.Time { return time.Now().Add(-2 * time.Hour) })
	otherSvc, err := token.NewService(token.Config{Secret: "another-secret-key-that-is-long-enough!!", Lifetime: time.Hour, Issuer: "healthcare-platform"})
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}

	rejects := []struct {
		name     string
		header   string
		wantKind apierror.Kind
	}{
		{"Authorizationヘッダーが無い場合401になること", "", apierror.MissingCredentials},
		{"Bearer接頭辞が無い場合401になること", issue(t, svc, "admin", "ADMIN"), apierror.MissingCredentials},
		{"Basic認証は401になること", "Basic YWRtaW46YWRtaW4xMjM=", apierror.MissingCredentials},
		{"トークンが空の場合401になること", "Bearer   ", apierror.MissingCredentials},
		{"不正なトークンは401になること", "Bearer not-a-jwt", apierror.MalformedToken},
		{"別の鍵で署名されたトークンは401になること", "Bearer " + issue(t, otherSvc, "admin", "ADMIN"), apierror.MalformedToken},
		{"期限切れトークンは401になること", "Bearer " + issue(t, pastSvc, "admin", "ADMIN"), apierror.ExpiredToken},
	}

	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var called bool
			var gotKind apierror.Kind
			router := newTestRouter(nil)
			router.Use(func(c *gin.Context) {
				c.Next()
				if len(c.Errors) > 0 {
					gotKind = apierror.KindOf(c.Errors.Last().Err)
				}
			})
			router.Use(Authenticate(svc, nil))
			router.GET("/api/v1/patients", func(c *gin.Context) {
				called = true
				c.Status(http.StatusOK)
			})

			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := doRequest(router, http.MethodGet, "/api/v1/patients", headers)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if called {
				t.Error("認証に失敗したリクエストでハンドラが実行された")
			}
			if gotKind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", gotKind, tt.wantKind)
			}
			body := decodeEnvelope(t, w)
			if body.Success || body.CorrelationID == "" {
				t.Errorf("body = %+v", body)
			}
		})
	}

	t.Run("公開パスとOPTIONSは認証なしで通ること", func(t *testing.T) {
		t.Parallel()

		svc := newTokenService(t, nil)
		for _, tc := range []struct{ method, path string }{
			{http.MethodPost, "/api/v1/auth/login"},
			{http.MethodGet, "/api/v1/health"},
		} {
			var called bool
			router := newAuthRouter(svc, &called)
			w := doRequest(router, tc.method, tc.path, nil)
			if w.Code != http.StatusOK || !called {
				t.Errorf("%s %s: ステータスコード = %d, called = %v", tc.method, tc.path, w.Code, called)
			}
		}

		var called bool
		router := newTestRouter(nil)
		router.Use(Authenticate(svc, nil))
		router.OPTIONS("/api/v1/patients", func(c *gin.Context) {
			called = true
			c.Status(http.StatusNoContent)
		})
		w := doRequest(router, http.MethodOptions, "/api/v1/patients", nil)
		if w.Code != http.StatusNoContent || !called {
			t.Errorf("OPTIONS: ステータスコード = %d, called = %v", w.Code, called)
		}
	})
}

// stubVerifier は固定の結果を返すTokenVerifier。
type stubVerifier struct {
	id  *token.Identity
	err error
}

func (s stubVerifier) Verify(string) (*token.Identity, error) { return s.id, s.err }

// TestRequireAnyRole はRequireAnyRoleミドルウェアを検証する。
func TestRequireAnyRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		roles      []string
		wantStatus int
	}{
		{"必要なロールを持つ場合は通ること", []string{"NURSE", "USER"}, http.StatusOK},
		{"ROLE_接頭辞付きのロールでも通ること", []string{"ROLE_ADMIN"}, http.StatusOK},
		{"必要なロールを持たない場合は403になること", []string{"USER"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := newTestRouter(nil)
			router.Use(Authenticate(stubVerifier{id: &token.Identity{Subject: "someone", Roles: tt.roles}}, nil))
			router.DELETE("/api/v1/patients/1", RequireAnyRole("ADMIN", "NURSE"), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := doRequest(router, http.MethodDelete, "/api/v1/patients/1", map[string]string{"Authorization": "Bearer x"})
			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				if msg := decodeEnvelope(t, w).Message; msg != "Access denied" {
					t.Errorf("message = %q, want %q", msg, "Access denied")
				}
			}
		})
	}

	t.Run("認証されていない場合は401になること", func(t *testing.T) {
		t.Parallel()

		router := newTestRouter(nil)
		router.GET("/admin", RequireAnyRole("ADMIN"), func(c *gin.Context) { c.Status(http.StatusOK) })

		if w := doRequest(router, http.MethodGet, "/admin", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestPrincipalFromContext は未認証コンテキストの扱いを検証する。
func TestPrincipalFromContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("未認証のコンテキストでok = true")
	}
	ctx := WithPrincipal(context.Background(), Principal{Username: "nurse"})
	if p, ok := PrincipalFromContext(ctx); !ok || p.Username != "nurse" {
		t.Errorf("PrincipalFromContext() = %+v, %v", p, ok)
	}
}

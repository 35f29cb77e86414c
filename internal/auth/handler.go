package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/response"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer はアクセストークンを発行する。
type TokenIssuer interface {
	Issue(subject string, roles []string) (string, error)
	Lifetime() time.Duration
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Username はログイン名。
	Username string `json:"username" validate:"required"`
	// Password は平文のパスワード。
	Password string `json:"password" validate:"required"`
}

// LoginResponse はログイン成功時のペイロード。
type LoginResponse struct {
	AccessToken string   `json:"accessToken"`
	TokenType   string   `json:"tokenType"`
	ExpiresIn   int64    `json:"expiresIn"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
}

var loginMessages = map[string]string{
	"Username": "Username is required",
	"Password": "Password is required",
}

// Handler はログインAPIのHTTPハンドラ。
type Handler struct {
	store    Store
	issuer   TokenIssuer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(store Store, issuer TokenIssuer, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		issuer:   issuer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Register は/auth配下のルートを登録する。
func (h *Handler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		// ログイン
		auth.POST("/login", h.handleLogin())
		// トークン更新（未対応）
		auth.POST("/refresh", h.handleRefresh())
	}
}

// handleLogin はユーザー名とパスワードを検証してトークンを発行するハンドラを返す。
func (h *Handler) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apierror.Wrap(apierror.BadRequest, "Malformed JSON request", err))
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if err := h.validate.Struct(&req); err != nil {
			_ = c.Error(loginValidationError(err))
			return
		}

		ctx := c.Request.Context()
		cred, ok := h.store.Lookup(ctx, req.Username)
		if !ok || bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(req.Password)) != nil {
			h.logger.WarnContext(ctx, "ログインに失敗しました", slog.String("username", req.Username))
			_ = c.Error(apierror.New(apierror.BadCredentials, "Invalid credentials"))
			return
		}

		tok, err := h.issuer.Issue(cred.Username, cred.Roles)
		if err != nil {
			_ = c.Error(err)
			return
		}

		h.logger.InfoContext(ctx, "ログインに成功しました", slog.String("username", cred.Username))
		response.OK(c, http.StatusOK, "Authentication successful", LoginResponse{
			AccessToken: tok,
			TokenType:   "Bearer",
			ExpiresIn:   int64(h.issuer.Lifetime() / time.Second),
			Username:    cred.Username,
			Roles:       cred.Roles,
		})
	}
}

// handleRefresh はトークン更新を拒否するハンドラを返す。
func (h *Handler) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = c.Error(apierror.New(apierror.BadRequest, "Token refresh is not supported"))
	}
}

func loginValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierror.Wrap(apierror.BadRequest, "Malformed JSON request", err)
	}
	fields := make([]apierror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apierror.FieldError{
			Field:   strings.ToLower(fe.Field()),
			Message: loginMessages[fe.Field()],
		})
	}
	return apierror.Validation(fields...)
}

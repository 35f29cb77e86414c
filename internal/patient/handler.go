package patient

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nao1215/patient-api/pkg/apierror"
	"github.com/nao1215/patient-api/pkg/middleware"
	"github.com/nao1215/patient-api/pkg/response"
)

const (
	// DefaultPageSize は一覧の既定件数。
	DefaultPageSize = 20
	// MaxPageSize は一覧の最大件数。
	MaxPageSize = 100
)

// writerRoles は患者の登録と更新ができるロール。
var writerRoles = []string{"ADMIN", "DOCTOR", "NURSE"}

// historyRoles は変更履歴を参照できるロール。
var historyRoles = []string{"ADMIN", "DOCTOR"}

// patientRequest は登録・更新リクエストのJSON構造。
type patientRequest struct {
	// FirstName は名。
	FirstName string `json:"firstName" validate:"required,max=100"`
	// LastName は姓。
	LastName string `json:"lastName" validate:"required,max=100"`
	// DateOfBirth は生年月日（YYYY-MM-DD）。
	DateOfBirth string `json:"dateOfBirth" validate:"required,datetime=2006-01-02,pastdate"`
	// Email はメールアドレス。
	Email string `json:"email" validate:"omitempty,email"`
	// Phone はE.164形式の電話番号。
	Phone string `json:"phone" validate:"omitempty,phone_e164"`
	// Address は住所。
	Address string `json:"address" validate:"max=500"`
	// Status は更新時のみ有効。
	Status Status `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE DECEASED"`
}

func (r *patientRequest) normalize() {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Address = strings.TrimSpace(r.Address)
	r.Status = Status(strings.ToUpper(strings.TrimSpace(string(r.Status))))
}

func (r *patientRequest) toPatient() *Patient {
	return &Patient{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		DateOfBirth: r.DateOfBirth,
		Email:       r.Email,
		Phone:       r.Phone,
		Address:     r.Address,
		Status:      r.Status,
	}
}

// Handler は患者APIのHTTPハンドラ。
type Handler struct {
	store    *Store
	validate *validator.Validate
	logger   *slog.Logger
}

// HandlerOption はHandlerの設定を変更する。
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	now func() time.Time
}

// WithHandlerClock は生年月日の検証に使う現在時刻を差し替える。
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(o *handlerOptions) { o.now = now }
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(store *Store, logger *slog.Logger, opts ...HandlerOption) *Handler {
	o := handlerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Handler{
		store:    store,
		validate: newValidator(o.now),
		logger:   logger,
	}
}

// Register は/patients配下のルートを登録する。認証済みのグループに対して呼び出すこと。
func (h *Handler) Register(rg *gin.RouterGroup) {
	patients := rg.Group("/patients")
	{
		// 患者登録
		patients.POST("", middleware.RequireAnyRole(writerRoles...), h.handleCreate())
		// 患者一覧取得
		patients.GET("", h.handleList())
		// 診療録番号で取得
		patients.GET("/mrn/:mrn", h.handleGetByMRN())
		// 患者詳細取得
		patients.GET("/:id", h.handleGet())
		// 変更履歴取得
		patients.GET("/:id/history", middleware.RequireAnyRole(historyRoles...), h.handleHistory())
		// 患者更新
		patients.PUT("/:id", middleware.RequireAnyRole(writerRoles...), h.handleUpdate())
		// 患者削除（論理削除）
		patients.DELETE("/:id", middleware.RequireAnyRole("ADMIN"), h.handleDelete())
	}
}

// handleCreate は患者登録を処理するハンドラを返す。
func (h *Handler) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := h.bind(c)
		if !ok {
			return
		}
		p := req.toPatient()
		if err := h.store.Create(c.Request.Context(), p); err != nil {
			_ = c.Error(err)
			return
		}
		h.logger.InfoContext(c.Request.Context(), "患者を登録しました", slog.String("patient_id", p.ID))
		response.OK(c, http.StatusCreated, "Patient created successfully", p)
	}
}

// handleList は患者一覧取得を処理するハンドラを返す。
func (h *Handler) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := intQuery(c, "page", 0)
		if err != nil {
			_ = c.Error(err)
			return
		}
		size, err := intQuery(c, "size", DefaultPageSize)
		if err != nil {
			_ = c.Error(err)
			return
		}
		page = max(page, 0)
		if size < 1 {
			size = DefaultPageSize
		}
		size = min(size, MaxPageSize)

		result, err := h.store.List(c.Request.Context(), ListQuery{
			Page:   page,
			Size:   size,
			Search: c.Query("search"),
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		response.OK(c, http.StatusOK, "", result)
	}
}

// handleGet は患者詳細取得を処理するハンドラを返す。
func (h *Handler) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		p, err := h.store.Get(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		response.OK(c, http.StatusOK, "", p)
	}
}

// handleHistory は患者の変更履歴取得を処理するハンドラを返す。
func (h *Handler) handleHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		events, err := h.store.History(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		response.OK(c, http.StatusOK, "", events)
	}
}

// handleGetByMRN は診療録番号による取得を処理するハンドラを返す。
func (h *Handler) handleGetByMRN() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.store.GetByMRN(c.Request.Context(), c.Param("mrn"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		response.OK(c, http.StatusOK, "", p)
	}
}

// handleUpdate は患者更新を処理するハンドラを返す。
func (h *Handler) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		req, ok := h.bind(c)
		if !ok {
			return
		}
		p := req.toPatient()
		p.ID = id
		if err := h.store.Update(c.Request.Context(), p); err != nil {
			_ = c.Error(err)
			return
		}
		h.logger.InfoContext(c.Request.Context(), "患者を更新しました", slog.String("patient_id", id))
		response.OK(c, http.StatusOK, "Patient updated successfully", p)
	}
}

// handleDelete は患者の論理削除を処理するハンドラを返す。
func (h *Handler) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := h.store.Deactivate(c.Request.Context(), id); err != nil {
			_ = c.Error(err)
			return
		}
		h.logger.InfoContext(c.Request.Context(), "患者を論理削除しました", slog.String("patient_id", id))
		c.Status(http.StatusNoContent)
	}
}

// bind はリクエストボディを読み込んで検証する。失敗時はエラーを登録してfalseを返す。
func (h *Handler) bind(c *gin.Context) (*patientRequest, bool) {
	var req patientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apierror.Wrap(apierror.BadRequest, "Malformed JSON request", err))
		return nil, false
	}
	req.normalize()
	if err := h.validate.Struct(&req); err != nil {
		_ = c.Error(toAPIError(err))
		return nil, false
	}
	return &req, true
}

// pathID はパスパラメータのidをUUIDとして検証する。
func pathID(c *gin.Context) (string, bool) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		_ = c.Error(apierror.New(apierror.BadRequest, fmt.Sprintf("Invalid value '%s' for parameter 'id'", raw)))
		return "", false
	}
	return id.String(), true
}

// intQuery は整数のクエリパラメータを読む。未指定ならdefを返す。
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.New(apierror.BadRequest, fmt.Sprintf("Invalid value '%s' for parameter '%s'", raw, name))
	}
	return n, nil
}

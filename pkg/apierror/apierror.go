// Package apierror はAPI全体で共通のエラー種別を定義する。
//
// 各コンポーネントは低レベルのエラーをその場でKindに変換して返し、
// HTTPステータスへの変換とレスポンス生成はエラーハンドラミドルウェアだけが行う。
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの種別。
type Kind int

const (
	// Unexpected は想定外のエラー。
	Unexpected Kind = iota
	// MalformedToken はトークンの構造または署名が不正であることを示す。
	MalformedToken
	// ExpiredToken はトークンの有効期限切れを示す。
	ExpiredToken
	// UnsupportedToken はサポートしていない署名方式のトークンを示す。
	UnsupportedToken
	// InvalidToken はその他の理由で検証に失敗したトークンを示す。
	InvalidToken
	// MissingCredentials は認証情報が提示されていないことを示す。
	MissingCredentials
	// BadCredentials はユーザー名またはパスワードの誤りを示す。
	BadCredentials
	// RateLimitExceeded はレート制限超過を示す。
	RateLimitExceeded
	// NotFound は対象リソースが存在しないことを示す。
	NotFound
	// Duplicate は一意制約違反を示す。
	Duplicate
	// ValidationFailed は入力値検証エラーを示す。フィールド単位の詳細を伴う。
	ValidationFailed
	// BadRequest はパスパラメータの形式不正などのリクエスト不正を示す。
	BadRequest
	// Forbidden は権限不足を示す。
	Forbidden
	// MethodNotAllowed は許可されていないHTTPメソッドを示す。
	MethodNotAllowed
)

var kindNames = map[Kind]string{
	Unexpected:         "Unexpected",
	MalformedToken:     "MalformedToken",
	ExpiredToken:       "ExpiredToken",
	UnsupportedToken:   "UnsupportedToken",
	InvalidToken:       "InvalidToken",
	MissingCredentials: "MissingCredentials",
	BadCredentials:     "BadCredentials",
	RateLimitExceeded:  "RateLimitExceeded",
	NotFound:           "NotFound",
	Duplicate:          "Duplicate",
	ValidationFailed:   "ValidationFailed",
	BadRequest:         "BadRequest",
	Forbidden:          "Forbidden",
	MethodNotAllowed:   "MethodNotAllowed",
}

// String はKindの名前を返す。
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Status はKindに対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case MalformedToken, ExpiredToken, UnsupportedToken, InvalidToken, MissingCredentials, BadCredentials:
		return http.StatusUnauthorized
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Duplicate:
		return http.StatusConflict
	case ValidationFailed, BadRequest:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// FieldError はフィールド単位の検証エラー。
type FieldError struct {
	// Field はエラーが発生したフィールド名。
	Field string `json:"field"`
	// Message はエラー内容。
	Message string `json:"message"`
	// RejectedValue は拒否された入力値。
	RejectedValue any `json:"rejectedValue"`
}

// Error はKindとクライアント向けメッセージを持つエラー。
type Error struct {
	// Kind はエラー種別。
	Kind Kind
	// Message はクライアントに返すメッセージ。
	Message string
	// Fields はValidationFailedのときのフィールド単位の詳細。
	Fields []FieldError
	// Err は原因となったエラー。ログにのみ出力し、クライアントには返さない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// New は新しいErrorを生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap は原因エラーを保持したErrorを生成する。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation はフィールド単位の詳細を持つValidationFailedエラーを生成する。
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: ValidationFailed, Message: "Validation failed", Fields: fields}
}

// From はerrを*Errorに変換する。*Errorを含まないエラーはUnexpectedとして扱う。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(Unexpected, UnexpectedMessage, err)
}

// KindOf はerrのKindを返す。
func KindOf(err error) Kind {
	return From(err).Kind
}

// Is はerrが指定したKindであるかを返す。
func Is(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// UnexpectedMessage は500エラー時にクライアントへ返す固定メッセージ。
const UnexpectedMessage = "An unexpected error occurred"

// Package correlation はリクエスト単位の相関IDとリクエストIDを扱う。
//
// IDはcontext.Contextにのみ保持し、ゴルーチンをまたぐ暗黙の状態は持たない。
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderCorrelationID は相関IDを運ぶHTTPヘッダー。
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID はリクエストIDを運ぶHTTPヘッダー。
	HeaderRequestID = "X-Request-ID"
)

// idLength は生成するIDの長さ。
const idLength = 16

// MaxInboundLength は受信した相関IDを引き継ぐ最大長。
const MaxInboundLength = 64

// IDs は1リクエストに紐づく識別子の組。
type IDs struct {
	// CorrelationID は呼び出し元から引き継ぐ、または新規発行する相関ID。
	CorrelationID string
	// RequestID はリクエストごとに必ず新規発行するID。
	RequestID string
}

type contextKey struct{}

// NewID は16桁の16進文字列IDを生成する。
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// Resolve は受信ヘッダーの値から相関IDの組を決定する。
// inboundが空白のみ、MaxInboundLengthを超える、または表示可能なASCII以外を含む場合は
// 新しい相関IDを発行する。
func Resolve(inbound string) IDs {
	cid := strings.TrimSpace(inbound)
	if !validInbound(cid) {
		cid = NewID()
	}
	return IDs{CorrelationID: cid, RequestID: NewID()}
}

// validInbound はレスポンスヘッダーとログにそのまま出せる値かを判定する。
func validInbound(id string) bool {
	if id == "" || len(id) > MaxInboundLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// WithIDs はIDを格納した子コンテキストを返す。
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, contextKey{}, ids)
}

// FromContext はコンテキストからIDを取り出す。未設定の場合はゼロ値を返す。
func FromContext(ctx context.Context) IDs {
	if ctx == nil {
		return IDs{}
	}
	ids, _ := ctx.Value(contextKey{}).(IDs)
	return ids
}

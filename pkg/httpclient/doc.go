// Package httpclient は患者APIを呼び出すHTTPクライアントを提供する。
//
// リクエストにはコンテキストの相関IDをX-Correlation-IDとして付与し、
// 2xx以外の応答はレスポンスエンベロープのmessageを含む*StatusErrorとして返す。
// コンテナのヘルスチェックやサービス間の呼び出しで使用する。
package httpclient

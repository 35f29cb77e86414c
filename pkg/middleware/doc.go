// Package middleware はGinベースのHTTP APIで使用するリクエスト処理パイプラインを提供する。
//
// 相関IDの付与、アクセスログ、エラーレスポンスへの変換、パニックリカバリ、
// CORS、クライアント単位のレート制限、Bearerトークン認証とロール認可を含む。
//
// 推奨する登録順は次の通り。
//
//	Correlation → AccessLog → ErrorHandler → Recovery → CORS → RateLimit → Authenticate
//
// 最終ステータスを観測するミドルウェア（メトリクスやトレース）はErrorHandlerより外側に置く。
//
// 各ミドルウェアは失敗時にc.Errorで*apierror.Errorを登録して処理を中断し、
// レスポンスの生成はErrorHandlerだけが行う。
package middleware

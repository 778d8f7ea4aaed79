// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、zapによるリクエストログ、パニックリカバリ、
// CORS設定、ユーザー単位のレート制限を含む。
// JWTの検証処理（ParseToken）はWebSocketの認証ハンドシェイクでも共有される。
package middleware

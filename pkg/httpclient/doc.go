// Package httpclient はサービスのREST APIを呼び出すJSONクライアントを提供する。
//
// 通知クライアント（pkg/notifyclient）からの通知操作や、
// 外部のリマインダーサービスからのリマインダー取得など、
// HTTP越しの呼び出しパターンを統一する。
package httpclient

// Package notifyclient は通知サービスのクライアント側配信マネージャーを提供する。
//
// Manager は1プロセスにつき1本のWebSocket接続を参照カウントで共有し、
// 複数の購読者へプッシュイベントを配る。未読件数のローカルキャッシュを持ち、
// 既読・却下・スヌーズ・削除の各操作はREST APIを呼び出す。
//
// 操作が失敗した場合はキャッシュを変更せずにエラーを返す。
// 楽観的更新や自動リトライは行わず、サーバーからの unread-count プッシュで整合させる。
package notifyclient

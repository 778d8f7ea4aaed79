// Package notification は通知インスタンスの永続化とREST APIを提供する。
//
// 通知はスケジューラーがリマインダーから生成し、Store に保存する。
// 状態は sent から read / dismissed / snoozed へ遷移し、read と dismissed は終端となる。
// Server は認証済みユーザー自身の通知に対する一覧、未読件数、状態遷移、削除を提供し、
// 操作のたびに未読件数と更新内容をリアルタイムチャネルへ送信する。
package notification

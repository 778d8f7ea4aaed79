// Package reminder はリマインダー定義の読み込みを提供する。
//
// リマインダーの作成や編集は別サービスが担当し、このパッケージは有効な定義を読み取るだけである。
// 読み込み元として、同じホスト上のSQLiteファイルを読む SQLSource と、
// リマインダーサービスのREST APIを呼ぶ HTTPSource がある。
package reminder

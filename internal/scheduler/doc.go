// Package scheduler はリマインダー定義から通知インスタンスを生成する定期スキャナーを提供する。
//
// スキャンは一定間隔で起動し、有効なリマインダーごとに発火時刻と繰り返し規則を判定して
// 通知を保存し、所有者のチャネルへ配信する。スキャンは同時に1つしか実行されない。
package scheduler

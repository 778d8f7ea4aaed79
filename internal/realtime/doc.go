// Package realtime はWebSocketセッションをユーザー単位のチャネルに束ね、イベントを配信する。
//
// セッションは authenticate イベントで資格情報を送り、検証に成功すると user:{id} チャネルに登録される。
// 配信は送信バッファへの非ブロッキングな書き込みで行い、バッファが満杯のセッションへの配信は破棄する。
// 未接続のユーザー宛てのイベントは保持しない。
package realtime

// Package event はリアルタイム通知チャネルで送受信するメッセージの型を定義する。
//
// すべてのメッセージは {"event": 名前, "data": ペイロード} 形式のJSONテキストフレームとして
// 送受信される。サーバー（internal/realtime）とクライアント（pkg/notifyclient）の
// 双方がこのパッケージを共有する。
package event

import (
	"encoding/json"
	"time"
)

// Name はメッセージの種類を表す。
type Name string

const (
	// NameAuthenticate はクライアントからサーバーへの認証要求を表す。
	NameAuthenticate Name = "authenticate"
	// NameAuthenticated は認証要求に対するサーバーの応答を表す。
	NameAuthenticated Name = "authenticated"
	// NameNotification は新しい通知のプッシュを表す。
	NameNotification Name = "notification"
	// NameNotificationUpdated は通知の状態変更（既読・却下・スヌーズ・削除）を表す。
	NameNotificationUpdated Name = "notification:updated"
	// NameUnreadCount はサーバーが算出した未読件数のプッシュを表す。
	NameUnreadCount Name = "unread-count"
	// NameConnection はクライアント内部で発行される接続状態の変化を表す。
	// ネットワーク上には流れない。
	NameConnection Name = "connection"
)

// Message はチャネル上を流れる1つのメッセージ。
type Message struct {
	// Event はメッセージの種類。
	Event Name `json:"event"`
	// Data はメッセージ固有のペイロード（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthenticatePayload はauthenticateメッセージのペイロード。
type AuthenticatePayload struct {
	// Token は認証に使用する資格情報（JWT）。
	Token string `json:"token"`
}

// AuthenticatedPayload はauthenticatedメッセージのペイロード。
// 失敗時も必ず送信され、Errorに理由が入る。
type AuthenticatedPayload struct {
	// Success は認証に成功したかどうか。
	Success bool `json:"success"`
	// UserID は認証されたユーザーID。失敗時は空。
	UserID string `json:"user_id,omitempty"`
	// Error は失敗理由。
	Error string `json:"error,omitempty"`
}

// NotificationPayload はnotificationメッセージのペイロード。
// 永続化された通知レコードのフィールドをそのまま写し、日時はISO-8601文字列で表す。
type NotificationPayload struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	ReminderID   *string `json:"reminder_id,omitempty"`
	Title        string  `json:"title"`
	Message      string  `json:"message"`
	Category     string  `json:"category"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	ScheduledFor string  `json:"scheduled_for"`
	SentAt       string  `json:"sent_at"`
	ReadAt       *string `json:"read_at,omitempty"`
	DismissedAt  *string `json:"dismissed_at,omitempty"`
	SnoozedUntil *string `json:"snoozed_until,omitempty"`
	SoundEnabled bool    `json:"sound_enabled"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// NotificationUpdatedPayload はnotification:updatedメッセージのペイロード。
type NotificationUpdatedPayload struct {
	// ID は変更された通知のID。read-allの場合は空。
	ID string `json:"id,omitempty"`
	// Status は変更後の状態。削除の場合は空。
	Status string `json:"status,omitempty"`
	// Deleted は通知が削除されたかどうか。
	Deleted bool `json:"deleted,omitempty"`
}

// UnreadCountPayload はunread-countメッセージのペイロード。
type UnreadCountPayload struct {
	// Count は未読（status=sent）の通知件数。
	Count int64 `json:"count"`
}

// ConnectionPayload はconnectionメッセージのペイロード。
type ConnectionPayload struct {
	// Connected はトランスポートが接続済みかどうか。
	Connected bool `json:"connected"`
	// Error は切断の原因。
	Error string `json:"error,omitempty"`
}

// FormatTime は日時をペイロード用のISO-8601文字列に変換する。
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatTimePtr はnil許容の日時をペイロード用の文字列に変換する。
func FormatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}

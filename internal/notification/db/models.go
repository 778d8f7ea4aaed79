package db

import "database/sql"

// Notification は notifications テーブルの1行。
// 日時はUTCの固定長文字列で保存し、文字列比較で時系列順になる。
type Notification struct {
	ID           string
	OwnerID      string
	ReminderID   sql.NullString
	Title        string
	Message      string
	Category     string
	Status       string
	Priority     string
	ScheduledFor string
	SentAt       string
	ReadAt       sql.NullString
	DismissedAt  sql.NullString
	SnoozedUntil sql.NullString
	SoundEnabled int64
	CreatedAt    string
	UpdatedAt    string
}

package notification

import (
	"database/sql"
	"fmt"
	"time"

	notificationdb "github.com/nao1215/carebell/internal/notification/db"
	"github.com/nao1215/carebell/pkg/event"
)

// Status は通知のライフサイクル上の状態。
type Status string

// 通知の状態。
const (
	StatusSent      Status = "sent"
	StatusRead      Status = "read"
	StatusDismissed Status = "dismissed"
	StatusSnoozed   Status = "snoozed"
)

// ParseStatus は文字列を Status に変換する。
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSent, StatusRead, StatusDismissed, StatusSnoozed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Terminal は状態が終端かを返す。
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusDismissed
}

// Category は通知の種別。
type Category string

// 通知の種別。system はリマインダーを伴わない通知に使う。
const (
	CategoryMedicine    Category = "medicine"
	CategoryAppointment Category = "appointment"
	CategoryCheckup     Category = "checkup"
	CategorySystem      Category = "system"
)

// Priority は通知の優先度。
type Priority string

// 通知の優先度。
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification は永続化された通知インスタンス。
type Notification struct {
	ID           string
	OwnerID      string
	ReminderID   *string
	Title        string
	Message      string
	Category     Category
	Status       Status
	Priority     Priority
	ScheduledFor time.Time
	SentAt       time.Time
	ReadAt       *time.Time
	DismissedAt  *time.Time
	SnoozedUntil *time.Time
	SoundEnabled bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Payload はリアルタイム配信とRESTレスポンスで使う表現に変換する。
func (n *Notification) Payload() event.NotificationPayload {
	return event.NotificationPayload{
		ID:           n.ID,
		UserID:       n.OwnerID,
		ReminderID:   n.ReminderID,
		Title:        n.Title,
		Message:      n.Message,
		Category:     string(n.Category),
		Status:       string(n.Status),
		Priority:     string(n.Priority),
		ScheduledFor: event.FormatTime(n.ScheduledFor),
		SentAt:       event.FormatTime(n.SentAt),
		ReadAt:       event.FormatTimePtr(n.ReadAt),
		DismissedAt:  event.FormatTimePtr(n.DismissedAt),
		SnoozedUntil: event.FormatTimePtr(n.SnoozedUntil),
		SoundEnabled: n.SoundEnabled,
		CreatedAt:    event.FormatTime(n.CreatedAt),
		UpdatedAt:    event.FormatTime(n.UpdatedAt),
	}
}

// storedTimeLayout はUTCで文字列比較が時系列順と一致する固定長の書式。
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStored(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func formatStoredNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatStored(*t), Valid: true}
}

func parseStored(s string) (time.Time, error) {
	t, err := time.Parse(storedTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時 %q の解析に失敗: %w", s, err)
	}
	return t, nil
}

func parseStoredNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseStored(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// fromRow はDB行をドメインモデルに変換する。
func fromRow(r notificationdb.Notification) (*Notification, error) {
	n := &Notification{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Title:        r.Title,
		Message:      r.Message,
		Category:     Category(r.Category),
		Status:       Status(r.Status),
		Priority:     Priority(r.Priority),
		SoundEnabled: r.SoundEnabled != 0,
	}
	if r.ReminderID.Valid {
		id := r.ReminderID.String
		n.ReminderID = &id
	}

	var err error
	if n.ScheduledFor, err = parseStored(r.ScheduledFor); err != nil {
		return nil, err
	}
	if n.SentAt, err = parseStored(r.SentAt); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseStored(r.CreatedAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseStored(r.UpdatedAt); err != nil {
		return nil, err
	}
	if n.ReadAt, err = parseStoredNull(r.ReadAt); err != nil {
		return nil, err
	}
	if n.DismissedAt, err = parseStoredNull(r.DismissedAt); err != nil {
		return nil, err
	}
	if n.SnoozedUntil, err = parseStoredNull(r.SnoozedUntil); err != nil {
		return nil, err
	}
	return n, nil
}

package db

import (
	"context"
	"database/sql"
)

const notificationColumns = `id, owner_id, reminder_id, title, message, category, status, priority,
    scheduled_for, sent_at, read_at, dismissed_at, snoozed_until, sound_enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.OwnerID,
		&n.ReminderID,
		&n.Title,
		&n.Message,
		&n.Category,
		&n.Status,
		&n.Priority,
		&n.ScheduledFor,
		&n.SentAt,
		&n.ReadAt,
		&n.DismissedAt,
		&n.SnoozedUntil,
		&n.SoundEnabled,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	return n, err
}

const createNotification = `-- name: CreateNotification :execrows
INSERT INTO notifications (` + notificationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, ?)
ON CONFLICT (reminder_id, scheduled_for) WHERE reminder_id IS NOT NULL DO NOTHING
`

// CreateNotificationParams は CreateNotification の引数。
type CreateNotificationParams struct {
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
	SoundEnabled int64
	CreatedAt    string
	UpdatedAt    string
}

// CreateNotification は通知を挿入し、挿入した行数を返す。
// 同じリマインダーの同じ発火時刻の行が既にある場合は0を返す。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createNotification,
		arg.ID,
		arg.OwnerID,
		arg.ReminderID,
		arg.Title,
		arg.Message,
		arg.Category,
		arg.Status,
		arg.Priority,
		arg.ScheduledFor,
		arg.SentAt,
		arg.SoundEnabled,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getNotification = `-- name: GetNotification :one
SELECT ` + notificationColumns + `
FROM notifications
WHERE id = ? AND owner_id = ?
`

// GetNotificationParams は GetNotification の引数。
type GetNotificationParams struct {
	ID      string
	OwnerID string
}

// GetNotification は所有者が一致する通知を1件取得する。
func (q *Queries) GetNotification(ctx context.Context, arg GetNotificationParams) (Notification, error) {
	row := q.db.QueryRowContext(ctx, getNotification, arg.ID, arg.OwnerID)
	return scanNotification(row)
}

const latestNotificationForReminder = `-- name: LatestNotificationForReminder :one
SELECT ` + notificationColumns + `
FROM notifications
WHERE reminder_id = ?
ORDER BY scheduled_for DESC, created_at DESC
LIMIT 1
`

// LatestNotificationForReminder はリマインダーから生成された最新の通知を取得する。
func (q *Queries) LatestNotificationForReminder(ctx context.Context, reminderID string) (Notification, error) {
	row := q.db.QueryRowContext(ctx, latestNotificationForReminder, reminderID)
	return scanNotification(row)
}

const listNotifications = `-- name: ListNotifications :many
SELECT ` + notificationColumns + `
FROM notifications
WHERE owner_id = ?1 AND (?2 = '' OR status = ?2)
ORDER BY created_at DESC, id DESC
LIMIT ?3 OFFSET ?4
`

// ListNotificationsParams は ListNotifications の引数。Status が空の場合は全ステータスが対象。
type ListNotificationsParams struct {
	OwnerID string
	Status  string
	Limit   int64
	Offset  int64
}

// ListNotifications は通知を新しい順に取得する。
func (q *Queries) ListNotifications(ctx context.Context, arg ListNotificationsParams) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx, listNotifications, arg.OwnerID, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countNotifications = `-- name: CountNotifications :one
SELECT COUNT(*) FROM notifications
WHERE owner_id = ?1 AND (?2 = '' OR status = ?2)
`

// CountNotificationsParams は CountNotifications の引数。
type CountNotificationsParams struct {
	OwnerID string
	Status  string
}

// CountNotifications は条件に一致する通知の件数を返す。
func (q *Queries) CountNotifications(ctx context.Context, arg CountNotificationsParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countNotifications, arg.OwnerID, arg.Status).Scan(&count)
	return count, err
}

const countUnread = `-- name: CountUnread :one
SELECT COUNT(*) FROM notifications
WHERE owner_id = ? AND status = 'sent'
`

// CountUnread は未読（sent）の通知件数を返す。
func (q *Queries) CountUnread(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countUnread, ownerID).Scan(&count)
	return count, err
}

const updateNotificationStatus = `-- name: UpdateNotificationStatus :execrows
UPDATE notifications
SET status = ?, read_at = ?, dismissed_at = ?, snoozed_until = ?, updated_at = ?
WHERE id = ? AND owner_id = ?
`

// UpdateNotificationStatusParams は UpdateNotificationStatus の引数。
type UpdateNotificationStatusParams struct {
	Status       string
	ReadAt       sql.NullString
	DismissedAt  sql.NullString
	SnoozedUntil sql.NullString
	UpdatedAt    string
	ID           string
	OwnerID      string
}

// UpdateNotificationStatus はステータスと遷移時刻を書き換える。
func (q *Queries) UpdateNotificationStatus(ctx context.Context, arg UpdateNotificationStatusParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateNotificationStatus,
		arg.Status,
		arg.ReadAt,
		arg.DismissedAt,
		arg.SnoozedUntil,
		arg.UpdatedAt,
		arg.ID,
		arg.OwnerID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markAllAsRead = `-- name: MarkAllAsRead :execrows
UPDATE notifications
SET status = 'read', read_at = ?1, updated_at = ?1
WHERE owner_id = ?2 AND status = 'sent'
`

// MarkAllAsReadParams は MarkAllAsRead の引数。
type MarkAllAsReadParams struct {
	ReadAt  string
	OwnerID string
}

// MarkAllAsRead は未読の通知をすべて既読にし、更新件数を返す。
func (q *Queries) MarkAllAsRead(ctx context.Context, arg MarkAllAsReadParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markAllAsRead, arg.ReadAt, arg.OwnerID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteNotification = `-- name: DeleteNotification :execrows
DELETE FROM notifications
WHERE id = ? AND owner_id = ?
`

// DeleteNotificationParams は DeleteNotification の引数。
type DeleteNotificationParams struct {
	ID      string
	OwnerID string
}

// DeleteNotification は通知を削除し、削除件数を返す。
func (q *Queries) DeleteNotification(ctx context.Context, arg DeleteNotificationParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteNotification, arg.ID, arg.OwnerID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	notificationdb "github.com/nao1215/carebell/internal/notification/db"
)

// 一覧取得の件数制限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// スヌーズ時間の範囲（分）。
const (
	MinSnoozeMinutes = 1
	MaxSnoozeMinutes = 24 * 60
)

// Store は通知インスタンスの永続化とライフサイクル遷移を担う。
type Store struct {
	db      *sql.DB
	queries *notificationdb.Queries
	now     func() time.Time
}

// StoreOption は Store の設定を変更する。
type StoreOption func(*Store)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore はマイグレーション済みのデータベースを使う Store を生成する。
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:      db,
		queries: notificationdb.New(db),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は通知を保存する。ID と作成日時が未設定なら補完する。
// 同じリマインダーの同じ発火時刻の通知が既にあれば ErrDuplicate を返す。
func (s *Store) Create(ctx context.Context, n *Notification) error {
	now := s.now()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = n.CreatedAt
	if n.Status == "" {
		n.Status = StatusSent
	}

	var reminderID sql.NullString
	if n.ReminderID != nil {
		reminderID = sql.NullString{String: *n.ReminderID, Valid: true}
	}
	var sound int64
	if n.SoundEnabled {
		sound = 1
	}

	affected, err := s.queries.CreateNotification(ctx, notificationdb.CreateNotificationParams{
		ID:           n.ID,
		OwnerID:      n.OwnerID,
		ReminderID:   reminderID,
		Title:        n.Title,
		Message:      n.Message,
		Category:     string(n.Category),
		Status:       string(n.Status),
		Priority:     string(n.Priority),
		ScheduledFor: formatStored(n.ScheduledFor),
		SentAt:       formatStored(n.SentAt),
		SoundEnabled: sound,
		CreatedAt:    formatStored(n.CreatedAt),
		UpdatedAt:    formatStored(n.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("通知の作成に失敗: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get は所有者の通知を1件取得する。
func (s *Store) Get(ctx context.Context, ownerID, id string) (*Notification, error) {
	return get(ctx, s.queries, ownerID, id)
}

func get(ctx context.Context, q *notificationdb.Queries, ownerID, id string) (*Notification, error) {
	row, err := q.GetNotification(ctx, notificationdb.GetNotificationParams{ID: id, OwnerID: ownerID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return fromRow(row)
}

// LatestForReminder はリマインダーから生成された最新の通知を返す。
// 1件も無い場合は ErrNotFound を返す。
func (s *Store) LatestForReminder(ctx context.Context, reminderID string) (*Notification, error) {
	row, err := s.queries.LatestNotificationForReminder(ctx, reminderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("最新通知の取得に失敗: %w", err)
	}
	return fromRow(row)
}

// ListParams は一覧取得の条件。Status が空なら全ステータスを対象とする。
type ListParams struct {
	OwnerID string
	Status  Status
	Limit   int
	Page    int
}

// ListResult は一覧取得の結果。
type ListResult struct {
	Items []*Notification
	Page  int
	Limit int
	Total int64
}

// List は通知を作成日時の新しい順にページ単位で返す。
// Limit は既定20、上限100に丸め、Page は1始まり。
func (s *Store) List(ctx context.Context, p ListParams) (*ListResult, error) {
	if p.Status != "" {
		if _, err := ParseStatus(string(p.Status)); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = DefaultListLimit
	}
	if p.Limit > MaxListLimit {
		p.Limit = MaxListLimit
	}
	if p.Page <= 0 {
		p.Page = 1
	}

	rows, err := s.queries.ListNotifications(ctx, notificationdb.ListNotificationsParams{
		OwnerID: p.OwnerID,
		Status:  string(p.Status),
		Limit:   int64(p.Limit),
		Offset:  int64((p.Page - 1) * p.Limit),
	})
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	total, err := s.queries.CountNotifications(ctx, notificationdb.CountNotificationsParams{
		OwnerID: p.OwnerID,
		Status:  string(p.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	items := make([]*Notification, 0, len(rows))
	for _, r := range rows {
		n, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return &ListResult{Items: items, Page: p.Page, Limit: p.Limit, Total: total}, nil
}

// UnreadCount は status=sent の通知件数を返す。
func (s *Store) UnreadCount(ctx context.Context, ownerID string) (int64, error) {
	count, err := s.queries.CountUnread(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkRead は通知を既読にする。既読済みなら何もせず現在の通知を返す。
func (s *Store) MarkRead(ctx context.Context, ownerID, id string) (*Notification, error) {
	return s.transition(ctx, ownerID, id, func(n *Notification, now time.Time) (bool, error) {
		switch n.Status {
		case StatusRead:
			return false, nil
		case StatusDismissed:
			return false, ErrInvalidTransition
		}
		n.Status = StatusRead
		n.ReadAt = &now
		n.SnoozedUntil = nil
		return true, nil
	})
}

// Dismiss は通知を却下する。却下済みなら何もせず現在の通知を返す。
func (s *Store) Dismiss(ctx context.Context, ownerID, id string) (*Notification, error) {
	return s.transition(ctx, ownerID, id, func(n *Notification, now time.Time) (bool, error) {
		switch n.Status {
		case StatusDismissed:
			return false, nil
		case StatusRead:
			return false, ErrInvalidTransition
		}
		n.Status = StatusDismissed
		n.DismissedAt = &now
		n.SnoozedUntil = nil
		return true, nil
	})
}

// Snooze は通知を minutes 分後までスヌーズする。スヌーズ中の通知は期限を延長する。
// スヌーズ期限が過ぎても通知は再発火しない。
func (s *Store) Snooze(ctx context.Context, ownerID, id string, minutes int) (*Notification, error) {
	if minutes < MinSnoozeMinutes || minutes > MaxSnoozeMinutes {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSnooze, minutes)
	}
	return s.transition(ctx, ownerID, id, func(n *Notification, now time.Time) (bool, error) {
		if n.Status.Terminal() {
			return false, ErrInvalidTransition
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		n.Status = StatusSnoozed
		n.SnoozedUntil = &until
		return true, nil
	})
}

// transition は通知を読み込み、apply で変更した内容を同一トランザクションで書き戻す。
// apply が false を返した場合は書き込まずに現在の通知を返す。
func (s *Store) transition(
	ctx context.Context,
	ownerID, id string,
	apply func(n *Notification, now time.Time) (bool, error),
) (*Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.queries.WithTx(tx)
	n, err := get(ctx, q, ownerID, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	changed, err := apply(n, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return n, nil
	}
	n.UpdatedAt = now

	if _, err := q.UpdateNotificationStatus(ctx, notificationdb.UpdateNotificationStatusParams{
		Status:       string(n.Status),
		ReadAt:       formatStoredNull(n.ReadAt),
		DismissedAt:  formatStoredNull(n.DismissedAt),
		SnoozedUntil: formatStoredNull(n.SnoozedUntil),
		UpdatedAt:    formatStored(n.UpdatedAt),
		ID:           n.ID,
		OwnerID:      n.OwnerID,
	}); err != nil {
		return nil, fmt.Errorf("通知の更新に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return n, nil
}

// MarkAllRead は所有者の未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	count, err := s.queries.MarkAllAsRead(ctx, notificationdb.MarkAllAsReadParams{
		ReadAt:  formatStored(s.now()),
		OwnerID: ownerID,
	})
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return count, nil
}

// Delete は状態にかかわらず通知を削除する。
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	affected, err := s.queries.DeleteNotification(ctx, notificationdb.DeleteNotificationParams{ID: id, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

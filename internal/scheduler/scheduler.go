package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nao1215/carebell/internal/notification"
	"github.com/nao1215/carebell/internal/reminder"
	"github.com/nao1215/carebell/pkg/event"
)

// 既定値。
const (
	DefaultInterval      = time.Minute
	DefaultCatchUpWindow = time.Minute
)

// ErrScanInProgress は前回のスキャンが終わっていないことを示す。
var ErrScanInProgress = errors.New("scan already in progress")

// Store はスケジューラーが使う通知ストアの操作。
type Store interface {
	Create(ctx context.Context, n *notification.Notification) error
	LatestForReminder(ctx context.Context, reminderID string) (*notification.Notification, error)
}

// Result は1回のスキャンの集計。
type Result struct {
	// Scanned は評価したリマインダーの件数。
	Scanned int
	// Created は生成した通知の件数。
	Created int
	// Failed は評価に失敗したリマインダーの件数。失敗してもスキャンは続行する。
	Failed int
}

// Scheduler はリマインダーを定期的に評価して通知を生成する。
type Scheduler struct {
	store      Store
	source     reminder.Source
	dispatcher notification.Dispatcher

	interval time.Duration
	window   time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger

	// scanning はスキャン実行中に立つフラグ。
	scanning atomic.Bool

	// mu は cron の起動状態を保護する。
	mu   sync.Mutex
	cron *cron.Cron
}

// Option は Scheduler の設定を変更する。
type Option func(*Scheduler)

// WithInterval はスキャン間隔を設定する。
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCatchUpWindow は発火時刻を過ぎてから発火を許す時間幅を設定する。
// 既定の1分では発火時刻と同じ分のスキャンでのみ発火する。
func WithCatchUpWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithLocation はリマインダーの日付と時刻を解釈するタイムゾーンを設定する。
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New は Scheduler を生成する。dispatcher が nil の場合は配信を行わない。
func New(store Store, source reminder.Source, dispatcher notification.Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		source:     source,
		dispatcher: dispatcher,
		interval:   DefaultInterval,
		window:     DefaultCatchUpWindow,
		loc:        time.Local,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cronSpec はスキャン間隔をcronの書式に変換する。
// 1分間隔は分の境界に合わせ、それ以外は起動時刻からの一定間隔とする。
func cronSpec(interval time.Duration) string {
	if interval == time.Minute {
		return "* * * * *"
	}
	return "@every " + interval.String()
}

// Start は定期スキャンを開始する。既に動作中の場合は警告を出して何もしない。
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.logger.Warn("scheduler already running")
		return nil
	}

	cl := newCronLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := cronSpec(s.interval)
	if _, err := c.AddFunc(spec, s.runScheduledTick); err != nil {
		return fmt.Errorf("スケジュール %q の登録に失敗: %w", spec, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("scheduler started",
		zap.String("spec", spec),
		zap.Duration("catch_up_window", s.window),
		zap.String("location", s.loc.String()),
	)
	return nil
}

// Stop は以後のスキャンを止める。実行中のスキャンは中断しない。
// 返り値のコンテキストは実行中のスキャンが終わると完了する。
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	s.logger.Info("scheduler stopped")
	return ctx
}

// runScheduledTick はcronから呼ばれるスキャン。停止要求で中断しないよう独立したコンテキストで実行する。
func (s *Scheduler) runScheduledTick() {
	if _, err := s.Tick(context.Background()); err != nil {
		if errors.Is(err, ErrScanInProgress) {
			s.logger.Debug("tick skipped", zap.Error(err))
			return
		}
		s.logger.Error("scan failed", zap.Error(err))
	}
}

// Tick は1回のスキャンを実行する。別のスキャンが実行中なら ErrScanInProgress を返す。
// 個々のリマインダーの失敗は Result.Failed に数え、エラーとしては返さない。
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	now := s.now().In(s.loc)
	reminders, err := s.source.ListEnabled(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("リマインダーの読み込みに失敗: %w", err)
	}

	var res Result
	for i := range reminders {
		r := &reminders[i]
		if !r.Enabled {
			continue
		}
		res.Scanned++

		created, err := s.evaluate(ctx, r, now)
		if err != nil {
			res.Failed++
			s.logger.Warn("reminder evaluation failed",
				zap.String("reminder_id", r.ID),
				zap.String("owner_id", r.OwnerID),
				zap.Error(err),
			)
			continue
		}
		if created {
			res.Created++
		}
	}

	fields := []zap.Field{
		zap.Int("scanned", res.Scanned),
		zap.Int("created", res.Created),
		zap.Int("failed", res.Failed),
	}
	if res.Created > 0 || res.Failed > 0 {
		s.logger.Info("scan completed", fields...)
	} else {
		s.logger.Debug("scan completed", fields...)
	}
	return res, nil
}

// dueWithinWindow は now 以前で catch-up 幅に収まる発火時刻を返す。
// 幅が日付をまたぐ場合に備えて前日の発火時刻も確認する。
func (s *Scheduler) dueWithinWindow(r *reminder.Reminder, now time.Time) (time.Time, bool, error) {
	for _, offset := range []int{0, -1} {
		due, err := r.DueOn(now.AddDate(0, 0, offset), s.loc)
		if err != nil {
			return time.Time{}, false, err
		}
		if !now.Before(due) && now.Before(due.Add(s.window)) {
			return due, true, nil
		}
	}
	return time.Time{}, false, nil
}

// evaluate は1件のリマインダーを評価し、必要なら通知を生成して配信する。
func (s *Scheduler) evaluate(ctx context.Context, r *reminder.Reminder, now time.Time) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	due, ok, err := s.dueWithinWindow(r, now)
	if err != nil || !ok {
		return false, err
	}
	start, err := r.StartDate(s.loc)
	if err != nil {
		return false, err
	}
	if civilDays(due, s.loc) < civilDays(start, s.loc) {
		return false, nil
	}

	var last *time.Time
	latest, err := s.store.LatestForReminder(ctx, r.ID)
	switch {
	case errors.Is(err, notification.ErrNotFound):
	case err != nil:
		return false, err
	default:
		last = &latest.ScheduledFor
	}
	if !recurrenceAllows(r.Recurrence, start, due, last, s.loc) {
		return false, nil
	}

	content := render(r)
	reminderID := r.ID
	n := &notification.Notification{
		OwnerID:      r.OwnerID,
		ReminderID:   &reminderID,
		Title:        content.title,
		Message:      content.message,
		Category:     content.category,
		Status:       notification.StatusSent,
		Priority:     content.priority,
		ScheduledFor: due,
		SentAt:       now,
		SoundEnabled: content.soundEnabled,
	}
	if err := s.store.Create(ctx, n); err != nil {
		if errors.Is(err, notification.ErrDuplicate) {
			// 別インスタンスが同じ発火時刻の通知を作成済み
			return false, nil
		}
		return false, err
	}

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID),
		zap.String("reminder_id", r.ID),
		zap.String("owner_id", r.OwnerID),
		zap.Time("scheduled_for", due),
	)
	s.publish(ctx, n)
	return true, nil
}

// SendSystem はリマインダーを伴わないシステム通知を生成して配信する。
func (s *Scheduler) SendSystem(ctx context.Context, ownerID, title, message string) (*notification.Notification, error) {
	if ownerID == "" || title == "" || message == "" {
		return nil, errors.New("owner, title and message are required")
	}

	now := s.now()
	n := &notification.Notification{
		OwnerID:      ownerID,
		Title:        title,
		Message:      message,
		Category:     notification.CategorySystem,
		Status:       notification.StatusSent,
		Priority:     notification.PriorityMedium,
		ScheduledFor: now,
		SentAt:       now,
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, err
	}
	s.publish(ctx, n)
	return n, nil
}

func (s *Scheduler) publish(ctx context.Context, n *notification.Notification) {
	if s.dispatcher == nil {
		return
	}
	msg, err := event.New(event.NameNotification, n.Payload())
	if err != nil {
		s.logger.Error("failed to encode notification event", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	s.dispatcher.Dispatch(ctx, n.OwnerID, msg)
}

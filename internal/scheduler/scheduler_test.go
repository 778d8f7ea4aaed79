package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/nao1215/carebell/internal/notification"
	"github.com/nao1215/carebell/internal/reminder"
	"github.com/nao1215/carebell/pkg/event"
	"github.com/nao1215/carebell/pkg/migration"
)

// fakeClock はテストから進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// staticSource は固定のリマインダーを返す Source。
type staticSource struct {
	reminders []reminder.Reminder
	err       error
}

func (s *staticSource) ListEnabled(context.Context) ([]reminder.Reminder, error) {
	return s.reminders, s.err
}

// blockingSource は release が閉じられるまで戻らない Source。
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) ListEnabled(ctx context.Context) ([]reminder.Reminder, error) {
	close(s.entered)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, nil
}

// recordingDispatcher は配信されたイベントを記録する。
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []dispatched
}

type dispatched struct {
	ownerID string
	msg     *event.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ownerID string, msg *event.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, dispatched{ownerID: ownerID, msg: msg})
}

func (d *recordingDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.sent...)
}

type testEnv struct {
	sched      *Scheduler
	store      *notification.Store
	source     *staticSource
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

// setupTestScheduler はインメモリSQLiteの通知ストアを使うスケジューラーを構築する。
func setupTestScheduler(t *testing.T, reminders []reminder.Reminder, opts ...Option) *testEnv {
	t.Helper()

	db, err := migration.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := notification.Migrate(t.Context(), db, nil); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}

	env := &testEnv{
		source:     &staticSource{reminders: reminders},
		dispatcher: &recordingDispatcher{},
		clock:      &fakeClock{now: at(2026, 10, 19, 9, 0, 0)},
	}
	env.store = notification.NewStore(db, notification.WithClock(env.clock.Now))

	base := []Option{WithLocation(time.UTC), WithClock(env.clock.Now)}
	env.sched = New(env.store, env.source, env.dispatcher, append(base, opts...)...)
	return env
}

func at(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// tickAt は時計を t に合わせてスキャンを1回実行する。
func (e *testEnv) tickAt(t *testing.T, ts time.Time) Result {
	t.Helper()
	e.clock.Set(ts)
	res, err := e.sched.Tick(t.Context())
	if err != nil {
		t.Fatalf("Tick()でエラーが発生: %v", err)
	}
	return res
}

func (e *testEnv) count(t *testing.T, ownerID string) int64 {
	t.Helper()
	res, err := e.store.List(t.Context(), notification.ListParams{OwnerID: ownerID, Limit: notification.MaxListLimit})
	if err != nil {
		t.Fatalf("List()でエラーが発生: %v", err)
	}
	return res.Total
}

func medicineOnce() reminder.Reminder {
	return reminder.Reminder{
		ID:         "rem-1",
		OwnerID:    "user-1",
		Title:      "Aspirin",
		Category:   reminder.CategoryMedicine,
		Date:       "2026-10-19",
		Time:       "09:00",
		Recurrence: reminder.RecurrenceOnce,
		Dosage:     "500mg",
		Enabled:    true,
	}
}

// TestTickOnce は一回限りのリマインダーの発火を検証する。
func TestTickOnce(t *testing.T) {
	t.Parallel()

	t.Run("服薬リマインダーが09:00に1件だけ生成され配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()})

		res := env.tickAt(t, at(2026, 10, 19, 9, 0, 0))
		if res.Created != 1 {
			t.Fatalf("Created = %d, want 1", res.Created)
		}
		// 同じ分の中で何度スキャンしても増えない
		for _, sec := range []int{10, 30, 59} {
			env.tickAt(t, at(2026, 10, 19, 9, 0, sec))
		}
		if got := env.count(t, "user-1"); got != 1 {
			t.Fatalf("通知件数 = %d, want 1", got)
		}

		latest, err := env.store.LatestForReminder(t.Context(), "rem-1")
		if err != nil {
			t.Fatalf("LatestForReminder()でエラーが発生: %v", err)
		}
		if latest.Priority != notification.PriorityHigh || !latest.SoundEnabled {
			t.Errorf("priority = %s, sound = %v", latest.Priority, latest.SoundEnabled)
		}
		if !strings.Contains(latest.Message, "500mg") {
			t.Errorf("Message = %q, want 500mg を含む", latest.Message)
		}
		if latest.Status != notification.StatusSent || !latest.ScheduledFor.Equal(at(2026, 10, 19, 9, 0, 0)) {
			t.Errorf("latest = %+v", latest)
		}

		sent := env.dispatcher.all()
		if len(sent) != 1 || sent[0].ownerID != "user-1" || sent[0].msg.Event != event.NameNotification {
			t.Fatalf("配信 = %+v", sent)
		}
		p, err := event.DecodeData[event.NotificationPayload](sent[0].msg)
		if err != nil || p.ID != latest.ID || p.SentAt != "2026-10-19T09:00:00Z" {
			t.Errorf("payload = %+v, err = %v", p, err)
		}
	})

	t.Run("既読にした後も同じ日には再生成されないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()}, WithCatchUpWindow(time.Hour))

		env.tickAt(t, at(2026, 10, 19, 9, 0, 0))
		latest, _ := env.store.LatestForReminder(t.Context(), "rem-1")
		if _, err := env.store.MarkRead(t.Context(), "user-1", latest.ID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}
		env.tickAt(t, at(2026, 10, 19, 9, 30, 0))

		if got := env.count(t, "user-1"); got != 1 {
			t.Errorf("通知件数 = %d, want 1", got)
		}
	})

	t.Run("別の日付や別の時刻では発火しないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()})

		env.tickAt(t, at(2026, 10, 19, 8, 59, 59))
		env.tickAt(t, at(2026, 10, 19, 9, 1, 0))
		env.tickAt(t, at(2026, 10, 20, 9, 0, 0))

		if got := env.count(t, "user-1"); got != 0 {
			t.Errorf("通知件数 = %d, want 0", got)
		}
	})
}

// TestTickDaily は毎日のリマインダーが1日1件までであることを検証する。
func TestTickDaily(t *testing.T) {
	t.Parallel()

	r := medicineOnce()
	r.Recurrence = reminder.RecurrenceDaily
	env := setupTestScheduler(t, []reminder.Reminder{r}, WithCatchUpWindow(10*time.Minute))

	for day := 19; day <= 21; day++ {
		for minute := 0; minute < 10; minute++ {
			env.tickAt(t, at(2026, 10, day, 9, minute, 0))
			env.tickAt(t, at(2026, 10, day, 9, minute, 30))
		}
	}

	if got := env.count(t, "user-1"); got != 3 {
		t.Errorf("通知件数 = %d, want 3", got)
	}
}

// TestTickWeekly は毎週のリマインダーが7日以上の間隔で発火することを検証する。
func TestTickWeekly(t *testing.T) {
	t.Parallel()

	r := medicineOnce()
	r.Recurrence = reminder.RecurrenceWeekly
	env := setupTestScheduler(t, []reminder.Reminder{r})

	if res := env.tickAt(t, at(2026, 10, 19, 9, 0, 0)); res.Created != 1 {
		t.Fatalf("初回: Created = %d, want 1", res.Created)
	}
	for day := 20; day <= 25; day++ {
		if res := env.tickAt(t, at(2026, 10, day, 9, 0, 0)); res.Created != 0 {
			t.Errorf("10/%d: Created = %d, want 0", day, res.Created)
		}
	}
	if res := env.tickAt(t, at(2026, 10, 26, 9, 0, 0)); res.Created != 1 {
		t.Errorf("7日後: Created = %d, want 1", res.Created)
	}
}

// TestTickWeeklyCatchesUpLate は7日目を逃した場合に翌日以降に発火することを検証する。
func TestTickWeeklyCatchesUpLate(t *testing.T) {
	t.Parallel()

	r := medicineOnce()
	r.Recurrence = reminder.RecurrenceWeekly
	env := setupTestScheduler(t, []reminder.Reminder{r})

	env.tickAt(t, at(2026, 10, 19, 9, 0, 0))
	if res := env.tickAt(t, at(2026, 10, 27, 9, 0, 0)); res.Created != 1 {
		t.Errorf("8日後: Created = %d, want 1", res.Created)
	}
}

// TestTickMonthly は毎月のリマインダーが開始日の日にちを基準に月1回発火することを検証する。
func TestTickMonthly(t *testing.T) {
	t.Parallel()

	r := medicineOnce()
	r.Recurrence = reminder.RecurrenceMonthly
	r.Date = "2026-10-31"
	env := setupTestScheduler(t, []reminder.Reminder{r})

	tests := []struct {
		ts   time.Time
		want int
	}{
		{ts: at(2026, 10, 30, 9, 0, 0), want: 0}, // 開始日前
		{ts: at(2026, 10, 31, 9, 0, 0), want: 1},
		{ts: at(2026, 11, 1, 9, 0, 0), want: 0}, // 月は進んだが基準日前
		{ts: at(2026, 11, 29, 9, 0, 0), want: 0},
		{ts: at(2026, 11, 30, 9, 0, 0), want: 1}, // 11月は30日が末日
		{ts: at(2026, 12, 30, 9, 0, 0), want: 0},
		{ts: at(2026, 12, 31, 9, 0, 0), want: 1},
	}
	for _, tt := range tests {
		if res := env.tickAt(t, tt.ts); res.Created != tt.want {
			t.Errorf("%s: Created = %d, want %d", tt.ts.Format(time.DateOnly), res.Created, tt.want)
		}
	}
}

// TestTickStartDate は繰り返しリマインダーが開始日より前に発火しないことを検証する。
func TestTickStartDate(t *testing.T) {
	t.Parallel()

	r := medicineOnce()
	r.Recurrence = reminder.RecurrenceDaily
	r.Date = "2026-10-25"
	env := setupTestScheduler(t, []reminder.Reminder{r})

	if res := env.tickAt(t, at(2026, 10, 19, 9, 0, 0)); res.Created != 0 {
		t.Errorf("Created = %d, want 0", res.Created)
	}
	if res := env.tickAt(t, at(2026, 10, 25, 9, 0, 0)); res.Created != 1 {
		t.Errorf("Created = %d, want 1", res.Created)
	}
}

// TestTickCatchUpWindow は発火時刻を過ぎたスキャンの扱いを検証する。
func TestTickCatchUpWindow(t *testing.T) {
	t.Parallel()

	t.Run("既定の幅では次の分に発火しないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()})

		if res := env.tickAt(t, at(2026, 10, 19, 9, 3, 0)); res.Created != 0 {
			t.Errorf("Created = %d, want 0", res.Created)
		}
	})

	t.Run("幅を広げると遅れたスキャンでも発火すること", func(t *testing.T) {
		t.Parallel()
		env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()}, WithCatchUpWindow(5*time.Minute))

		if res := env.tickAt(t, at(2026, 10, 19, 9, 3, 0)); res.Created != 1 {
			t.Fatalf("Created = %d, want 1", res.Created)
		}
		latest, _ := env.store.LatestForReminder(t.Context(), "rem-1")
		if !latest.ScheduledFor.Equal(at(2026, 10, 19, 9, 0, 0)) || !latest.SentAt.Equal(at(2026, 10, 19, 9, 3, 0)) {
			t.Errorf("scheduled_for = %v, sent_at = %v", latest.ScheduledFor, latest.SentAt)
		}
	})

	t.Run("日付をまたぐ幅では前日の発火時刻を拾うこと", func(t *testing.T) {
		t.Parallel()
		r := medicineOnce()
		r.Time = "23:50"
		r.Recurrence = reminder.RecurrenceDaily
		env := setupTestScheduler(t, []reminder.Reminder{r}, WithCatchUpWindow(30*time.Minute))

		if res := env.tickAt(t, at(2026, 10, 20, 0, 5, 0)); res.Created != 1 {
			t.Fatalf("Created = %d, want 1", res.Created)
		}
		latest, _ := env.store.LatestForReminder(t.Context(), "rem-1")
		if !latest.ScheduledFor.Equal(at(2026, 10, 19, 23, 50, 0)) {
			t.Errorf("scheduled_for = %v", latest.ScheduledFor)
		}
	})
}

// TestTickPartialFailure は不正なリマインダーがあってもスキャンが続くことを検証する。
func TestTickPartialFailure(t *testing.T) {
	t.Parallel()

	broken := medicineOnce()
	broken.ID = "rem-broken"
	broken.Time = "nine"
	unknown := medicineOnce()
	unknown.ID = "rem-unknown"
	unknown.Category = "exercise"
	disabled := medicineOnce()
	disabled.ID = "rem-disabled"
	disabled.Enabled = false

	core, logs := observer.New(zapcore.WarnLevel)
	env := setupTestScheduler(t,
		[]reminder.Reminder{broken, unknown, disabled, medicineOnce()},
		WithLogger(zap.New(core)),
	)

	res := env.tickAt(t, at(2026, 10, 19, 9, 0, 0))
	if res.Scanned != 3 || res.Failed != 2 || res.Created != 1 {
		t.Errorf("res = %+v, want scanned 3, failed 2, created 1", res)
	}
	if logs.FilterMessage("reminder evaluation failed").Len() != 2 {
		t.Errorf("警告ログ件数 = %d, want 2", logs.FilterMessage("reminder evaluation failed").Len())
	}
}

// TestTickSourceError は読み込み元のエラーがスキャン全体のエラーになることを検証する。
func TestTickSourceError(t *testing.T) {
	t.Parallel()

	env := setupTestScheduler(t, nil)
	env.source.err = errors.New("connection refused")

	if _, err := env.sched.Tick(t.Context()); err == nil {
		t.Fatal("Tick()がエラーを返すべきだが、nilが返った")
	}
	// 失敗後も次のスキャンは実行できる
	env.source.err = nil
	if _, err := env.sched.Tick(t.Context()); err != nil {
		t.Errorf("2回目のTick()でエラーが発生: %v", err)
	}
}

// TestTickSingleFlight はスキャンが並行実行されないことを検証する。
func TestTickSingleFlight(t *testing.T) {
	t.Parallel()

	env := setupTestScheduler(t, nil)
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	env.sched.source = src

	done := make(chan error, 1)
	go func() {
		_, err := env.sched.Tick(context.Background())
		done <- err
	}()
	<-src.entered

	if _, err := env.sched.Tick(t.Context()); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("err = %v, want ErrScanInProgress", err)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Errorf("1回目のTick()でエラーが発生: %v", err)
	}
}

// TestTickSharedStore は同じストアを使う2つのスケジューラーが重複生成しないことを検証する。
func TestTickSharedStore(t *testing.T) {
	t.Parallel()

	env := setupTestScheduler(t, []reminder.Reminder{medicineOnce()})
	other := New(env.store, env.source, nil, WithLocation(time.UTC), WithClock(env.clock.Now))

	env.tickAt(t, at(2026, 10, 19, 9, 0, 0))
	res, err := other.Tick(t.Context())
	if err != nil {
		t.Fatalf("Tick()でエラーが発生: %v", err)
	}
	if res.Created != 0 || res.Failed != 0 {
		t.Errorf("res = %+v, want created 0, failed 0", res)
	}
	if got := env.count(t, "user-1"); got != 1 {
		t.Errorf("通知件数 = %d, want 1", got)
	}
}

// TestStartStop は起動と停止の冪等性を検証する。
func TestStartStop(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	env := setupTestScheduler(t, nil, WithLogger(zap.New(core)))

	if err := env.sched.Start(); err != nil {
		t.Fatalf("Start()でエラーが発生: %v", err)
	}
	if err := env.sched.Start(); err != nil {
		t.Fatalf("2回目のStart()でエラーが発生: %v", err)
	}
	if logs.FilterMessage("scheduler already running").Len() != 1 {
		t.Error("2回目のStart()で警告が出ていない")
	}

	ctx := env.sched.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop()のコンテキストが完了しない")
	}

	// 停止済みのStop()は完了済みのコンテキストを返す
	select {
	case <-env.sched.Stop().Done():
	default:
		t.Error("停止済みのStop()が完了済みのコンテキストを返さない")
	}
}

// TestSendSystem はシステム通知の生成を検証する。
func TestSendSystem(t *testing.T) {
	t.Parallel()

	env := setupTestScheduler(t, nil)

	n, err := env.sched.SendSystem(t.Context(), "user-1", "Maintenance", "Service will restart at 02:00")
	if err != nil {
		t.Fatalf("SendSystem()でエラーが発生: %v", err)
	}
	if n.Category != notification.CategorySystem || n.ReminderID != nil || n.SoundEnabled {
		t.Errorf("n = %+v", n)
	}
	if sent := env.dispatcher.all(); len(sent) != 1 || sent[0].ownerID != "user-1" {
		t.Errorf("配信 = %+v", sent)
	}

	if _, err := env.sched.SendSystem(t.Context(), "user-1", "", "m"); err == nil {
		t.Error("タイトルが空でもエラーにならない")
	}
}

// TestCronSpec はスキャン間隔からcron書式への変換を検証する。
func TestCronSpec(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]string{
		time.Minute:      "* * * * *",
		30 * time.Second: "@every 30s",
		5 * time.Minute:  "@every 5m0s",
	}
	for in, want := range tests {
		if got := cronSpec(in); got != want {
			t.Errorf("cronSpec(%v) = %q, want %q", in, got, want)
		}
	}
}

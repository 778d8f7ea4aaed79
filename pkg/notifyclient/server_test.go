package notifyclient

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/carebell/internal/notification"
	"github.com/nao1215/carebell/internal/realtime"
	"github.com/nao1215/carebell/pkg/event"
	"github.com/nao1215/carebell/pkg/middleware"
	"github.com/nao1215/carebell/pkg/migration"
)

const serverSecret = "notifyclient-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// liveServer は実際の通知サーバーとWebSocketを httptest で動かす。
type liveServer struct {
	url   string
	store *notification.Store
}

func setupLiveServer(t *testing.T) *liveServer {
	t.Helper()

	sqlDB, err := migration.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := notification.Migrate(t.Context(), sqlDB, nil); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	store := notification.NewStore(sqlDB)

	registry := realtime.NewRegistry(realtime.NewJWTVerifier(serverSecret), nil)
	ws := realtime.NewWSHandler(registry, realtime.WSConfig{AllowedOrigins: []string{"*"}})
	server := notification.NewServer(notification.ServerConfig{
		JWTSecret:      serverSecret,
		AllowedOrigins: []string{"*"},
		WebSocket:      ws.Handle,
	}, store, registry, nil)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &liveServer{url: srv.URL, store: store}
}

// seed は owner 宛ての未読通知を n 件作成する。
func (s *liveServer) seed(t *testing.T, owner string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := range n {
		due := time.Date(2026, 10, 19, 9, i, 0, 0, time.UTC)
		rec := &notification.Notification{
			OwnerID:      owner,
			Title:        "Medicine Reminder",
			Message:      "Time to take Aspirin (500mg) at 09:00",
			Category:     notification.CategoryMedicine,
			Status:       notification.StatusSent,
			Priority:     notification.PriorityHigh,
			ScheduledFor: due,
			SentAt:       due,
		}
		if err := s.store.Create(t.Context(), rec); err != nil {
			t.Fatalf("テスト用通知の作成に失敗: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func (s *liveServer) unread(t *testing.T, owner string) int64 {
	t.Helper()
	count, err := s.store.UnreadCount(t.Context(), owner)
	if err != nil {
		t.Fatal(err)
	}
	return count
}

func mustServerToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(serverSecret, userID, userID+"@example.com")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// TestUnreadCacheWithServer は実際のサーバーを相手に、操作のたびに未読件数のキャッシュがサーバーと一致することを検証する。
func TestUnreadCacheWithServer(t *testing.T) {
	t.Parallel()

	type step struct {
		name string
		run  func(ctx context.Context, m *Manager, ids []string) error
	}
	steps := []step{
		{"既読", func(ctx context.Context, m *Manager, ids []string) error { _, err := m.MarkAsRead(ctx, ids[0]); return err }},
		{"却下", func(ctx context.Context, m *Manager, ids []string) error { _, err := m.Dismiss(ctx, ids[1]); return err }},
		{"同じ通知の再既読", func(ctx context.Context, m *Manager, ids []string) error { _, err := m.MarkAsRead(ctx, ids[0]); return err }},
		{"スヌーズ中の通知の却下", func(ctx context.Context, m *Manager, ids []string) error { _, err := m.Dismiss(ctx, ids[3]); return err }},
		{"削除", func(ctx context.Context, m *Manager, ids []string) error { return m.Delete(ctx, ids[2]) }},
	}

	// prepare は4件の未読のうち1件をスヌーズし、未読3件の状態を作る。
	prepare := func(t *testing.T, srv *liveServer, owner string) []string {
		t.Helper()
		ids := srv.seed(t, owner, 4)
		if _, err := srv.store.Snooze(t.Context(), owner, ids[3], 10); err != nil {
			t.Fatal(err)
		}
		return ids
	}

	t.Run("接続中はプッシュとレスポンスのどちらが先でも一致すること", func(t *testing.T) {
		t.Parallel()
		srv := setupLiveServer(t)
		ids := prepare(t, srv, "patient-1")

		m, err := New(srv.url)
		if err != nil {
			t.Fatal(err)
		}
		var authenticated atomic.Bool
		m.Subscribe(event.NameAuthenticated, func(msg *event.Message) {
			if p, err := event.DecodeData[event.AuthenticatedPayload](msg); err == nil && p.Success {
				authenticated.Store(true)
			}
		})
		var counts atomic.Int32
		m.Subscribe(event.NameUnreadCount, func(*event.Message) { counts.Add(1) })

		m.Connect(mustServerToken(t, "patient-1"))
		defer m.Disconnect()
		waitFor(t, authenticated.Load)

		if n, err := m.RefreshUnreadCount(t.Context()); err != nil || n != 3 {
			t.Fatalf("RefreshUnreadCount() = %d, %v", n, err)
		}

		want := counts.Load()
		for _, s := range steps {
			if err := s.run(t.Context(), m, ids); err != nil {
				t.Fatalf("%s: %v", s.name, err)
			}
			// レスポンスによる更新とサーバーからのプッシュの両方を待つ
			want += 2
			waitFor(t, func() bool { return counts.Load() >= want })
			if got, server := m.UnreadCount(), srv.unread(t, "patient-1"); got != server {
				t.Errorf("%s: cache = %d, server = %d", s.name, got, server)
			}
		}
	})

	t.Run("接続していなくてもレスポンスの値で一致すること", func(t *testing.T) {
		t.Parallel()
		srv := setupLiveServer(t)
		ids := prepare(t, srv, "patient-2")

		m, err := New(srv.url)
		if err != nil {
			t.Fatal(err)
		}
		m.SetCredential(mustServerToken(t, "patient-2"))
		if _, err := m.RefreshUnreadCount(t.Context()); err != nil {
			t.Fatal(err)
		}

		for _, s := range steps {
			if err := s.run(t.Context(), m, ids); err != nil {
				t.Fatalf("%s: %v", s.name, err)
			}
			if got, server := m.UnreadCount(), srv.unread(t, "patient-2"); got != server {
				t.Errorf("%s: cache = %d, server = %d", s.name, got, server)
			}
		}
	})
}

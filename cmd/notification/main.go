// 通知サービスのエントリポイント。
// リマインダーを定期的に評価して通知を生成し、REST APIとWebSocketで配信する。
// REDIS_ADDR を設定すると複数インスタンス間でイベントを共有する。
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/carebell/internal/config"
	"github.com/nao1215/carebell/internal/notification"
	"github.com/nao1215/carebell/internal/realtime"
	"github.com/nao1215/carebell/internal/reminder"
	"github.com/nao1215/carebell/internal/scheduler"
	"github.com/nao1215/carebell/pkg/httpclient"
	"github.com/nao1215/carebell/pkg/logger"
	"github.com/nao1215/carebell/pkg/migration"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Error("notification service exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := notification.Migrate(ctx, db, log); err != nil {
		return err
	}
	store := notification.NewStore(db)

	source, closeSource, err := newReminderSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	registry := realtime.NewRegistry(realtime.NewJWTVerifier(cfg.JWTSecret), log.Named("realtime"))

	var dispatcher notification.Dispatcher = registry
	var bridge *realtime.RedisBridge
	if cfg.UseRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		bridge = realtime.NewRedisBridge(client, registry, log)
		dispatcher = bridge
		log.Info("redis bridge enabled", zap.String("addr", cfg.RedisAddr))
	}

	sched := scheduler.New(store, source, dispatcher,
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithCatchUpWindow(cfg.SchedulerCatchUpWindow),
		scheduler.WithLocation(cfg.Location),
		scheduler.WithLogger(log.Named("scheduler")),
	)

	ws := realtime.NewWSHandler(registry, realtime.WSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		Logger:         log.Named("websocket"),
	})
	server := notification.NewServer(notification.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		ServiceToken:    cfg.InternalServiceToken,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          log.Named("http"),
		WebSocket:       ws.Handle,
	}, store, dispatcher, sched)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("notification service starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		// 実行中のスキャンは最後まで実行させる
		select {
		case <-sched.Stop().Done():
		case <-time.After(shutdownTimeout):
			log.Warn("scan did not finish before shutdown timeout")
		}
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("notification service stopped")
	return nil
}

// openDB はSQLiteファイルを開く。親ディレクトリが無ければ作成する。
func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("データディレクトリの作成に失敗: %w", err)
		}
	}
	return migration.OpenSQLite(path)
}

// newReminderSource は設定に応じたリマインダーの読み込み元を返す。
func newReminderSource(ctx context.Context, cfg config.Config, log *zap.Logger) (reminder.Source, func(), error) {
	switch cfg.ReminderSource {
	case config.ReminderSourceHTTP:
		client := httpclient.New(cfg.ReminderServiceURL, httpclient.WithTimeout(10*time.Second))
		log.Info("reading reminders from service", zap.String("url", cfg.ReminderServiceURL))
		return reminder.NewHTTPSource(client, cfg.ReminderServiceToken), func() {}, nil
	default:
		db, err := openDB(cfg.ReminderDBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := reminder.Migrate(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return reminder.NewSQLSource(db), func() { _ = db.Close() }, nil
	}
}

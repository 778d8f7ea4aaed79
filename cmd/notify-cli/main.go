// notify-cli は通知サービスの端末クライアント。
// プッシュ通知の待ち受けと、既読・却下・スヌーズ・削除などの操作を行う。
//
//	notify-cli --token $TOKEN tail
//	notify-cli --token $TOKEN snooze <id> 10
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/event"
	"github.com/nao1215/carebell/pkg/logger"
	"github.com/nao1215/carebell/pkg/notifyclient"
)

const usage = `使い方: notify-cli [フラグ] <コマンド> [引数]

コマンド:
  tail                   プッシュ通知を待ち受けて表示する
  list                   通知一覧を表示する
  unread                 未読件数を表示する
  read <id>              通知を既読にする
  dismiss <id>           通知を却下する
  snooze <id> <minutes>  通知をスヌーズする
  read-all               未読の通知をすべて既読にする
  delete <id>            通知を削除する

フラグ:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("notify-cli", pflag.ContinueOnError)
	flags.String("url", "http://localhost:8086", "通知サービスのベースURL")
	flags.String("token", "", "認証に使うJWT")
	flags.String("status", "", "list で絞り込む状態 (sent, read, dismissed, snoozed)")
	flags.Int("limit", 20, "list の取得件数")
	flags.Int("page", 1, "list のページ番号")
	flags.String("log-level", "warn", "ログレベル")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// フラグ未指定の項目は NOTIFY_URL などの環境変数で補う
	v := viper.New()
	v.SetEnvPrefix("NOTIFY")
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("フラグのバインドに失敗: %w", err)
	}
	_ = v.BindEnv("log-level", "NOTIFY_LOG_LEVEL")

	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("コマンドを指定してください")
	}
	if v.GetString("token") == "" {
		return errors.New("--token または NOTIFY_TOKEN を指定してください")
	}

	log, err := logger.New("development", v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m, err := notifyclient.New(v.GetString("url"), notifyclient.WithLogger(log))
	if err != nil {
		return err
	}
	m.SetCredential(v.GetString("token"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "tail":
		return tail(ctx, m, v.GetString("token"), log)
	case "list":
		res, err := m.List(ctx, notifyclient.ListOptions{
			Status: v.GetString("status"),
			Page:   v.GetInt("page"),
			Limit:  v.GetInt("limit"),
		})
		if err != nil {
			return err
		}
		for _, n := range res.Notifications {
			printNotification(n)
		}
		fmt.Printf("page %d / total %d\n", res.Page, res.Total)
		return nil
	case "unread":
		count, err := m.RefreshUnreadCount(ctx)
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	case "read", "dismiss", "delete":
		if len(rest) != 1 {
			return fmt.Errorf("%s には通知IDを1つ指定してください", cmd)
		}
		return act(ctx, m, cmd, rest[0])
	case "snooze":
		if len(rest) != 2 {
			return errors.New("snooze には通知IDと分数を指定してください")
		}
		minutes, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("分数 %q が不正です", rest[1])
		}
		n, err := m.Snooze(ctx, rest[0], minutes)
		if err != nil {
			return err
		}
		printNotification(*n)
		return nil
	case "read-all":
		count, err := m.MarkAllAsRead(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d件を既読にしました\n", count)
		return nil
	default:
		flags.Usage()
		return fmt.Errorf("不明なコマンド: %s", cmd)
	}
}

func act(ctx context.Context, m *notifyclient.Manager, cmd, id string) error {
	var (
		n   *event.NotificationPayload
		err error
	)
	switch cmd {
	case "read":
		n, err = m.MarkAsRead(ctx, id)
	case "dismiss":
		n, err = m.Dismiss(ctx, id)
	case "delete":
		err = m.Delete(ctx, id)
	}
	if errors.Is(err, notifyclient.ErrNotFound) {
		return fmt.Errorf("通知 %s が見つかりません", id)
	}
	if err != nil {
		return err
	}
	if n != nil {
		printNotification(*n)
	} else {
		fmt.Printf("%s を削除しました\n", id)
	}
	return nil
}

// tail は接続してプッシュされたイベントを表示し続ける。
func tail(ctx context.Context, m *notifyclient.Manager, token string, log *zap.Logger) error {
	subs := []*notifyclient.Subscription{
		m.Subscribe(event.NameNotification, func(msg *event.Message) {
			if n, err := event.DecodeData[event.NotificationPayload](msg); err == nil {
				printNotification(*n)
			}
		}),
		m.Subscribe(event.NameUnreadCount, func(msg *event.Message) {
			if p, err := event.DecodeData[event.UnreadCountPayload](msg); err == nil {
				fmt.Printf("unread: %d\n", p.Count)
			}
		}),
		m.Subscribe(event.NameNotificationUpdated, printRaw),
		m.Subscribe(event.NameAuthenticated, printRaw),
		m.Subscribe(event.NameConnection, func(msg *event.Message) {
			if p, err := event.DecodeData[event.ConnectionPayload](msg); err == nil && !p.Connected {
				log.Warn("disconnected", zap.String("error", p.Error))
			}
		}),
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	m.Connect(token)
	defer m.Disconnect()

	if _, err := m.RefreshUnreadCount(ctx); err != nil {
		log.Warn("failed to fetch unread count", zap.Error(err))
	}
	<-ctx.Done()
	return nil
}

func printNotification(n event.NotificationPayload) {
	at := n.ScheduledFor
	if t, err := time.Parse(time.RFC3339Nano, n.ScheduledFor); err == nil {
		at = t.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("%s  [%s/%s]  %s  %s: %s\n", at, n.Status, n.Priority, n.ID, n.Title, n.Message)
}

func printRaw(msg *event.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Println(string(b))
}

package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/carebell/pkg/event"
)

// redisChannelPrefix はRedis上のチャネル名の接頭辞。
const redisChannelPrefix = "carebell:user:"

// 既定値。
const (
	defaultBridgeQueue      = 256
	defaultResubscribeDelay = 2 * time.Second
)

// RedisChannel はユーザーのRedisチャネル名を返す。
func RedisChannel(userID string) string {
	return redisChannelPrefix + userID
}

// userFromRedisChannel はRedisチャネル名からユーザーIDを取り出す。
func userFromRedisChannel(channel string) (string, bool) {
	userID, ok := strings.CutPrefix(channel, redisChannelPrefix)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

type outbound struct {
	userID string
	msg    *event.Message
}

// RedisBridge は複数インスタンス間でイベントを配信する Dispatcher。
// Dispatch したイベントはRedisにPUBLISHされ、全インスタンスが購読して自身の Registry へ配信する。
// 自インスタンスのセッションにも購読経由で届くため、Dispatch 時には直接配信しない。
// 最初の購読の試行が終わるまでPUBLISHを保留し、その間のイベントはキューに溜める。
type RedisBridge struct {
	client *redis.Client
	local  *Registry
	logger *zap.Logger

	queue            chan outbound
	resubscribeDelay time.Duration

	// ready は最初の購読の試行が終わると閉じる。
	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBridge は RedisBridge を生成する。
func NewRedisBridge(client *redis.Client, local *Registry, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:           client,
		local:            local,
		logger:           logger.Named("redis-bridge"),
		queue:            make(chan outbound, defaultBridgeQueue),
		resubscribeDelay: defaultResubscribeDelay,
		ready:            make(chan struct{}),
	}
}

func (b *RedisBridge) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// Dispatch はイベントを送信キューに入れる。キューが満杯の場合は破棄する。
func (b *RedisBridge) Dispatch(_ context.Context, ownerID string, msg *event.Message) {
	select {
	case b.queue <- outbound{userID: ownerID, msg: msg}:
	default:
		b.logger.Warn("bridge queue full, event dropped", zap.String("user_id", ownerID), zap.String("event", string(msg.Event)))
	}
}

// Run は送信と購読を ctx が終わるまで続ける。
// Run より前に Dispatch したイベントも最初の購読の試行が終わった後に送られる。
func (b *RedisBridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.publishLoop(ctx)
		return nil
	})
	g.Go(func() error {
		b.subscribeLoop(ctx)
		return nil
	})
	return g.Wait()
}

// publishLoop はキューのイベントをPUBLISHする。Redisへ送れない場合は自インスタンスのセッションにだけ届ける。
// 購読前にPUBLISHすると自インスタンスのセッションに届かないため、最初の購読の試行を待ってから始める。
func (b *RedisBridge) publishLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-b.ready:
	}
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.queue:
			frame, err := event.Encode(out.msg)
			if err != nil {
				b.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if err := b.client.Publish(ctx, RedisChannel(out.userID), frame).Err(); err != nil {
				b.logger.Warn("redis publish failed, delivering locally", zap.String("user_id", out.userID), zap.Error(err))
				b.local.Publish(out.userID, out.msg)
			}
		}
	}
}

// subscribeLoop は購読が切れても ctx が終わるまで再購読する。
func (b *RedisBridge) subscribeLoop(ctx context.Context) {
	for {
		if err := b.subscribe(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("redis subscription lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.resubscribeDelay):
		}
	}
}

func (b *RedisBridge) subscribe(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	// 購読の確立を待ち、接続エラーをここで検出する
	_, err := pubsub.Receive(ctx)
	b.markReady()
	if err != nil {
		return err
	}
	b.logger.Info("redis subscription established")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(m.Channel, m.Payload)
		}
	}
}

// deliver は購読したメッセージを自インスタンスのセッションへ配信する。
func (b *RedisBridge) deliver(channel, payload string) {
	userID, ok := userFromRedisChannel(channel)
	if !ok {
		return
	}
	msg, err := event.Decode([]byte(payload))
	if err != nil {
		b.logger.Warn("malformed bridged event", zap.String("channel", channel), zap.Error(err))
		return
	}
	b.local.Publish(userID, msg)
}

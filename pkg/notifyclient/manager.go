package notifyclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/event"
	"github.com/nao1215/carebell/pkg/httpclient"
)

// 再接続の既定値。
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 2 * time.Second
)

const notificationsPath = "/api/v1/notifications"

var (
	// ErrNotFound は通知が存在しないか、他のユーザーの通知であることを示す。
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidTransition は終端状態の通知に対する操作であることを示す。
	ErrInvalidTransition = errors.New("invalid notification transition")
)

// Handler はイベントを受け取るコールバック。
// 受信ゴルーチンから呼ばれるため、長時間ブロックしないこと。
type Handler func(msg *event.Message)

// Manager は通知チャネルの接続と未読件数を管理する。
// 1プロセスで1つ生成し、利用する画面やコマンドへ渡して共有する。
type Manager struct {
	api         *httpclient.Client
	wsURL       string
	dialer      Dialer
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
	httpOpts    []httpclient.Option

	mu         sync.Mutex
	refs       int
	credential string
	loop       *connLoop

	subsMu sync.RWMutex
	subs   map[event.Name]map[string]Handler

	cacheMu sync.Mutex
	unread  int64
}

// connLoop は動作中の接続ループ。conn は Manager.mu で保護する。
type connLoop struct {
	cancel context.CancelFunc
	conn   Conn
}

// Option は Manager の設定を変更する。
type Option func(*Manager)

// WithDialer はトランスポートを差し替える。
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithRetry は連続した接続失敗の上限回数と再試行までの待ち時間を設定する。
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHTTPOptions はREST API用クライアントの設定を追加する。
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(m *Manager) { m.httpOpts = append(m.httpOpts, opts...) }
}

// New は Manager を生成する。baseURL には通知サービスのベースURLを指定する。
func New(baseURL string, opts ...Option) (*Manager, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		wsURL:       wsURL,
		dialer:      NewWebSocketDialer(10 * time.Second),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		logger:      zap.NewNop(),
		subs:        make(map[event.Name]map[string]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.api = httpclient.New(baseURL, m.httpOpts...)
	return m, nil
}

// SetCredential はREST APIと認証ハンドシェイクで使う資格情報を設定する。
// 接続中に資格情報が変わった場合は、その接続で認証し直す。
func (m *Manager) SetCredential(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCredentialLocked(credential)
}

func (m *Manager) setCredentialLocked(credential string) {
	if credential == m.credential {
		return
	}
	m.credential = credential
	if m.loop == nil || m.loop.conn == nil {
		return
	}
	if err := m.authenticateLocked(m.loop.conn); err != nil {
		// 受信側が切断を検知して再接続し、新しい資格情報で認証する
		m.logger.Warn("re-authentication failed", zap.Error(err))
	}
}

// authenticateLocked は現在の資格情報で認証要求を送る。m.mu を保持して呼ぶ。
func (m *Manager) authenticateLocked(conn Conn) error {
	frame, err := event.Encode(event.MustNew(event.NameAuthenticate, event.AuthenticatePayload{Token: m.credential}))
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("認証要求の送信に失敗: %w", err)
	}
	return nil
}

func (m *Manager) currentCredential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// Connect は参照カウントを増やす。接続ループが動いていなければ接続を開いて認証する。
// 接続中に別の資格情報で呼ばれた場合は、既存の接続で認証し直す。
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs++
	m.setCredentialLocked(credential)
	if m.loop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &connLoop{cancel: cancel}
	m.loop = l
	go m.run(ctx, l)
}

// Disconnect は参照カウントを減らし、0になったら接続と再接続待ちを止める。
// Connect より多く呼んでもカウントは負にならない。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 || m.loop == nil {
		return
	}
	m.loop.cancel()
	m.loop = nil
}

// run は接続を維持する。連続した接続失敗が上限に達したら諦める。
func (m *Manager) run(ctx context.Context, l *connLoop) {
	failures := 0
	for {
		conn, err := m.dialer.Dial(ctx, m.wsURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("connect failed", zap.Int("attempt", failures), zap.Error(err))
			m.emitConnection(false, err)
			if failures >= m.maxAttempts {
				m.logger.Error("giving up reconnecting", zap.Int("attempts", failures))
				m.release(l)
				return
			}
			if !sleep(ctx, m.retryDelay) {
				return
			}
			continue
		}

		failures = 0
		err = m.serve(ctx, l, conn)
		if ctx.Err() != nil {
			m.emitConnection(false, nil)
			return
		}
		m.logger.Info("connection lost", zap.Error(err))
		m.emitConnection(false, err)
		if !sleep(ctx, m.retryDelay) {
			return
		}
	}
}

// release は諦めた接続ループを外し、次の Connect で接続し直せるようにする。
func (m *Manager) release(l *connLoop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loop == l {
		m.loop = nil
	}
	l.cancel()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve は接続ごとに認証をやり直し、切断されるまでイベントを受信する。
func (m *Manager) serve(ctx context.Context, l *connLoop, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		m.mu.Lock()
		l.conn = nil
		m.mu.Unlock()
		if stop() {
			_ = conn.Close()
		}
	}()

	// 認証の送信と接続の公開を同じロック下で行い、資格情報の変更を取りこぼさない
	m.mu.Lock()
	err := m.authenticateLocked(conn)
	if err == nil {
		l.conn = conn
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emitConnection(true, nil)

	for {
		data, err := conn.Receive()
		if err != nil {
			return err
		}
		msg, err := event.Decode(data)
		if err != nil {
			m.logger.Debug("malformed frame ignored", zap.Error(err))
			continue
		}
		m.handle(msg)
	}
}

// handle はサーバーからのイベントでキャッシュを更新し、購読者へ配る。
func (m *Manager) handle(msg *event.Message) {
	switch msg.Event {
	case event.NameNotification:
		count := m.updateUnread(func(n int64) int64 { return n + 1 })
		m.emit(msg)
		m.publishUnread(count)
		return
	case event.NameUnreadCount:
		if p, err := event.DecodeData[event.UnreadCountPayload](msg); err == nil {
			m.updateUnread(func(int64) int64 { return p.Count })
		}
	case event.NameAuthenticated:
		if p, err := event.DecodeData[event.AuthenticatedPayload](msg); err == nil && !p.Success {
			m.logger.Warn("authentication rejected", zap.String("reason", p.Error))
		}
	}
	m.emit(msg)
}

// Subscription は Subscribe で登録したコールバックの解除ハンドル。
type Subscription struct {
	m    *Manager
	name event.Name
	id   string
	once sync.Once
}

// Unsubscribe はこのハンドルのコールバックだけを解除する。複数回呼んでもよい。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.subsMu.Lock()
		defer s.m.subsMu.Unlock()
		if set := s.m.subs[s.name]; set != nil {
			delete(set, s.id)
			if len(set) == 0 {
				delete(s.m.subs, s.name)
			}
		}
	})
}

// Subscribe はイベントのコールバックを登録する。同じイベントに何件でも登録できる。
func (m *Manager) Subscribe(name event.Name, fn Handler) *Subscription {
	id := uuid.NewString()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	set, ok := m.subs[name]
	if !ok {
		set = make(map[string]Handler)
		m.subs[name] = set
	}
	set[id] = fn
	return &Subscription{m: m, name: name, id: id}
}

func (m *Manager) emit(msg *event.Message) {
	m.subsMu.RLock()
	handlers := make([]Handler, 0, len(m.subs[msg.Event]))
	for _, fn := range m.subs[msg.Event] {
		handlers = append(handlers, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (m *Manager) emitConnection(connected bool, err error) {
	p := event.ConnectionPayload{Connected: connected}
	if err != nil {
		p.Error = err.Error()
	}
	m.emit(event.MustNew(event.NameConnection, p))
}

// UnreadCount はキャッシュしている未読件数を返す。
func (m *Manager) UnreadCount() int64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.unread
}

// updateUnread は未読件数を更新して新しい値を返す。0未満にはならない。
func (m *Manager) updateUnread(f func(int64) int64) int64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.unread = max(f(m.unread), 0)
	return m.unread
}

func (m *Manager) publishUnread(count int64) {
	m.emit(event.MustNew(event.NameUnreadCount, event.UnreadCountPayload{Count: count}))
}

func (m *Manager) authContext(ctx context.Context) context.Context {
	return httpclient.WithToken(ctx, m.currentCredential())
}

// actionError はREST APIのエラーをパッケージのエラーに変換する。
func actionError(action, id string, err error) error {
	switch {
	case httpclient.IsStatus(err, http.StatusNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case httpclient.IsStatus(err, http.StatusConflict):
		return fmt.Errorf("%w: %s", ErrInvalidTransition, id)
	default:
		return fmt.Errorf("%sに失敗: %w", action, err)
	}
}

// RefreshUnreadCount はサーバーから未読件数を取得してキャッシュを置き換える。
func (m *Manager) RefreshUnreadCount(ctx context.Context) (int64, error) {
	var res event.UnreadCountPayload
	if err := m.api.GetJSON(m.authContext(ctx), notificationsPath+"/unread-count", &res); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	count := m.updateUnread(func(int64) int64 { return res.Count })
	m.publishUnread(count)
	return count, nil
}

// ListOptions は一覧取得の条件。ゼロ値はサーバーの既定値になる。
type ListOptions struct {
	Status string
	Page   int
	Limit  int
}

// ListResult は一覧取得の結果。
type ListResult struct {
	Notifications []event.NotificationPayload `json:"notifications"`
	Page          int                         `json:"page"`
	Limit         int                         `json:"limit"`
	Total         int64                       `json:"total"`
}

// List は通知を新しい順に取得する。キャッシュは変更しない。
func (m *Manager) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := notificationsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res ListResult
	if err := m.api.GetJSON(m.authContext(ctx), path, &res); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return &res, nil
}

// MarkAsRead は通知を既読にし、未読件数をサーバーが返した値に置き換える。
func (m *Manager) MarkAsRead(ctx context.Context, id string) (*event.NotificationPayload, error) {
	return m.transition(ctx, id, "read", nil)
}

// Dismiss は通知を却下し、未読件数をサーバーが返した値に置き換える。
func (m *Manager) Dismiss(ctx context.Context, id string) (*event.NotificationPayload, error) {
	return m.transition(ctx, id, "dismiss", nil)
}

// Snooze は通知を minutes 分後までスヌーズする。
func (m *Manager) Snooze(ctx context.Context, id string, minutes int) (*event.NotificationPayload, error) {
	return m.transition(ctx, id, "snooze", map[string]int{"minutes": minutes})
}

// transitionResponse は状態遷移APIのレスポンス。
type transitionResponse struct {
	event.NotificationPayload
	UnreadCount int64 `json:"unread_count"`
}

// transition は状態遷移APIを呼ぶ。
// 未読件数は減算せずサーバーの値で置き換えるため、同じ値の unread-count プッシュと前後しても結果は変わらない。
func (m *Manager) transition(ctx context.Context, id, action string, body any) (*event.NotificationPayload, error) {
	var res transitionResponse
	path := notificationsPath + "/" + url.PathEscape(id) + "/" + action
	if err := m.api.PatchJSON(m.authContext(ctx), path, body, &res); err != nil {
		return nil, actionError(action, id, err)
	}

	m.publishUnread(m.updateUnread(func(int64) int64 { return res.UnreadCount }))
	n := res.NotificationPayload
	m.emit(event.MustNew(event.NameNotificationUpdated, event.NotificationUpdatedPayload{ID: n.ID, Status: n.Status}))
	return &n, nil
}

type markAllResponse struct {
	Count       int64 `json:"count"`
	UnreadCount int64 `json:"unread_count"`
}

// MarkAllAsRead は未読の通知をすべて既読にし、既読にした件数を返す。
// 未読件数のキャッシュはサーバーが返した値に置き換える。
func (m *Manager) MarkAllAsRead(ctx context.Context) (int64, error) {
	var res markAllResponse
	if err := m.api.PatchJSON(m.authContext(ctx), notificationsPath+"/read-all", nil, &res); err != nil {
		return 0, fmt.Errorf("一括既読に失敗: %w", err)
	}
	m.publishUnread(m.updateUnread(func(int64) int64 { return res.UnreadCount }))
	return res.Count, nil
}

type deleteResponse struct {
	UnreadCount int64 `json:"unread_count"`
}

// Delete は通知を削除し、未読件数をサーバーが返した値に置き換える。
func (m *Manager) Delete(ctx context.Context, id string) error {
	var res deleteResponse
	if err := m.api.Delete(m.authContext(ctx), notificationsPath+"/"+url.PathEscape(id), &res); err != nil {
		return actionError("delete", id, err)
	}
	m.publishUnread(m.updateUnread(func(int64) int64 { return res.UnreadCount }))
	m.emit(event.MustNew(event.NameNotificationUpdated, event.NotificationUpdatedPayload{ID: id, Deleted: true}))
	return nil
}

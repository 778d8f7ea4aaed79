package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/event"
)

// ChannelName はユーザーのチャネル名を返す。
func ChannelName(userID string) string {
	return "user:" + userID
}

// Ack は authenticate の結果。
type Ack struct {
	Success bool
	UserID  string
	Err     error
}

// Registry はセッションとチャネルの対応を管理する。
// チャネル集合の変更は Authenticate と Unbind だけが行う。
type Registry struct {
	verifier Verifier
	logger   *zap.Logger

	mu sync.RWMutex
	// channels はチャネル名からセッション集合への対応。
	channels map[string]map[string]*Session
	// bindings はセッションIDから所属チャネル名への対応。
	bindings map[string]string
}

// NewRegistry は Registry を生成する。
func NewRegistry(verifier Verifier, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		verifier: verifier,
		logger:   logger,
		channels: make(map[string]map[string]*Session),
		bindings: make(map[string]string),
	}
}

// Authenticate は資格情報を検証し、成功すればセッションを user:{id} チャネルに登録する。
// 結果は成否にかかわらず authenticated イベントとしてセッションへ送る。
// 認証に失敗したセッションは既存の登録も解除される。
func (r *Registry) Authenticate(sess *Session, credential string) Ack {
	var ack Ack
	userID, err := r.verifier.Verify(credential)
	switch {
	case err != nil:
		ack = Ack{Err: err}
	case userID == "":
		ack = Ack{Err: fmt.Errorf("%w: invalid token", ErrAuthentication)}
	default:
		ack = Ack{Success: true, UserID: userID}
	}

	payload := event.AuthenticatedPayload{Success: ack.Success, UserID: ack.UserID}
	if ack.Success {
		r.bind(sess, ChannelName(userID))
		r.logger.Debug("session authenticated", zap.String("session_id", sess.ID()), zap.String("user_id", userID))
	} else {
		r.Unbind(sess)
		payload.Error = reason(ack.Err)
		r.logger.Info("session authentication failed", zap.String("session_id", sess.ID()), zap.Error(ack.Err))
	}

	frame, err := event.Encode(event.MustNew(event.NameAuthenticated, payload))
	if err == nil && !sess.enqueue(frame) {
		r.logger.Warn("authenticated ack dropped", zap.String("session_id", sess.ID()))
	}
	return ack
}

func (r *Registry) bind(sess *Session, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unbindLocked(sess.ID())
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]*Session)
		r.channels[channel] = set
	}
	set[sess.ID()] = sess
	r.bindings[sess.ID()] = channel
}

// Unbind はセッションをチャネルから外す。切断時に呼ぶ。
func (r *Registry) Unbind(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(sess.ID())
}

func (r *Registry) unbindLocked(sessionID string) {
	channel, ok := r.bindings[sessionID]
	if !ok {
		return
	}
	delete(r.bindings, sessionID)
	if set := r.channels[channel]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Publish はユーザーの全セッションへイベントを送り、送信バッファに入った数を返す。
// 登録されたセッションが無い場合は何もしない。
func (r *Registry) Publish(userID string, msg *event.Message) int {
	frame, err := event.Encode(msg)
	if err != nil {
		r.logger.Error("failed to encode event", zap.String("event", string(msg.Event)), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for id, sess := range r.channels[ChannelName(userID)] {
		if sess.enqueue(frame) {
			delivered++
			continue
		}
		r.logger.Warn("event dropped for slow session",
			zap.String("session_id", id),
			zap.String("user_id", userID),
			zap.String("event", string(msg.Event)),
		)
	}
	return delivered
}

// Dispatch は Publish の結果を使わない形。スケジューラーとREST APIから呼ばれる。
func (r *Registry) Dispatch(_ context.Context, ownerID string, msg *event.Message) {
	r.Publish(ownerID, msg)
}

// SessionCount はユーザーに登録されているセッション数を返す。
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[ChannelName(userID)])
}

// BoundUser はセッションが登録されているユーザーIDを返す。
func (r *Registry) BoundUser(sess *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.bindings[sess.ID()]
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(channel, ChannelName("")), true
}

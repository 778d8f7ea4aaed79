package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSendBuffer はセッションごとの送信バッファの既定長。
const DefaultSendBuffer = 32

// Session は1つのトランスポート接続。送信するフレームをバッファに溜め、書き込み側が取り出す。
type Session struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewSession は新しいセッションを生成する。buffer が0以下なら既定長を使う。
func NewSession(buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Session{
		id:   uuid.New().String(),
		send: make(chan []byte, buffer),
	}
}

// ID はセッションの識別子を返す。
func (s *Session) ID() string { return s.id }

// Outbound は送信待ちフレームのチャネルを返す。Close 後に閉じられる。
func (s *Session) Outbound() <-chan []byte { return s.send }

// enqueue はフレームを送信バッファに入れる。満杯または閉じている場合は false を返す。
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close は送信バッファを閉じる。複数回呼んでもよい。
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

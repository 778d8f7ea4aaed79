package notifyclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn は1本のトランスポート接続。
// Receive は1つのゴルーチンから呼ばれる。Send は Manager のロック下で逐次に呼ばれる。
type Conn interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer はトランスポート接続を開く。
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer は gorilla/websocket による Dialer。
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer は WebSocketDialer を生成する。
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial はWebSocket接続を開く。
func (d *WebSocketDialer) Dial(ctx context.Context, u string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket接続に失敗: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket接続に失敗: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// sendTimeout は1フレームの書き込みに許す時間。
const sendTimeout = 10 * time.Second

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive はテキストフレームを1つ読む。サーバーのpingには gorilla/websocket が自動で応答する。
func (c *wsConn) Receive() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// websocketURL はREST APIのベースURLからWebSocketエンドポイントのURLを組み立てる。
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("未対応のスキーム: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

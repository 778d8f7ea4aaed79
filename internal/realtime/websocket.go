package realtime

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/event"
)

const (
	// writeWait は1フレームの書き込みに許す時間。
	writeWait = 10 * time.Second
	// pongWait はpongを待つ時間。これを過ぎると切断する。
	pongWait = 60 * time.Second
	// pingPeriod はpingの送信間隔。pongWait より短くする。
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize はクライアントから受け付けるフレームの最大長。
	maxMessageSize = 4096
)

// WSConfig は WSHandler の設定値。
type WSConfig struct {
	// AllowedOrigins はブラウザからの接続を許可するOrigin。"*" は全て許可する。
	AllowedOrigins []string
	SendBuffer     int
	Logger         *zap.Logger
}

// WSHandler はWebSocket接続を受け付け、Registry に橋渡しする。
type WSHandler struct {
	registry   *Registry
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

// NewWSHandler は WSHandler を生成する。
func NewWSHandler(registry *Registry, cfg WSConfig) *WSHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	return &WSHandler{
		registry:   registry,
		sendBuffer: cfg.SendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// ブラウザ以外のクライアントはOriginを送らない
				if origin == "" || slices.Contains(origins, "*") {
					return true
				}
				return slices.Contains(origins, origin)
			},
		},
	}
}

// Handle はGinのハンドラとして接続をアップグレードする。
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := NewSession(h.sendBuffer)
	h.logger.Debug("websocket connected", zap.String("session_id", sess.ID()), zap.String("remote", c.ClientIP()))

	go h.writePump(conn, sess)
	h.readPump(conn, sess)
}

// readPump はクライアントからのフレームを処理する。接続が切れるとセッションを登録解除して閉じる。
func (h *WSHandler) readPump(conn *websocket.Conn, sess *Session) {
	defer func() {
		h.registry.Unbind(sess)
		sess.Close()
		h.logger.Debug("websocket disconnected", zap.String("session_id", sess.ID()))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket closed unexpectedly", zap.String("session_id", sess.ID()), zap.Error(err))
			}
			return
		}

		msg, err := event.Decode(data)
		if err != nil {
			h.logger.Debug("malformed frame ignored", zap.String("session_id", sess.ID()), zap.Error(err))
			continue
		}

		switch msg.Event {
		case event.NameAuthenticate:
			p, err := event.DecodeData[event.AuthenticatePayload](msg)
			token := ""
			if err == nil {
				token = p.Token
			}
			h.registry.Authenticate(sess, token)
		default:
			h.logger.Debug("unsupported event ignored", zap.String("session_id", sess.ID()), zap.String("event", string(msg.Event)))
		}
	}
}

// writePump は送信バッファのフレームを書き込み、定期的にpingを送る。
// 1接続への書き込みはこのゴルーチンだけが行う。
func (h *WSHandler) writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", sess.ID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

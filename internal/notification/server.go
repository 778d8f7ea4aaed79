package notification

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/carebell/pkg/event"
	"github.com/nao1215/carebell/pkg/middleware"
)

// Dispatcher はユーザーのチャネルへイベントを送信する。
// 送信は非同期で、接続中のセッションが無ければ破棄される。
type Dispatcher interface {
	Dispatch(ctx context.Context, ownerID string, msg *event.Message)
}

// SystemSender はリマインダーを伴わないシステム通知を生成して配信する。
type SystemSender interface {
	SendSystem(ctx context.Context, ownerID, title, message string) (*Notification, error)
}

// ServerConfig は Server の設定値。
type ServerConfig struct {
	JWTSecret       string
	// ServiceToken は内部APIの呼び出しに必要な共有トークン。空なら内部APIを登録しない。
	ServiceToken    string
	AllowedOrigins  []string
	RateLimitPerMin int
	Logger          *zap.Logger
	// WebSocket は GET /api/v1/ws のハンドラ。nilならルートを登録しない。
	WebSocket gin.HandlerFunc
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// store は通知の永続化を担う。
	store *Store
	// dispatcher は状態変化をリアルタイムチャネルへ送る。
	dispatcher Dispatcher
	// system はシステム通知の生成元。
	system SystemSender
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成し、ルーティングを設定する。
func NewServer(cfg ServerConfig, store *Store, dispatcher Dispatcher, system SystemSender) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:     router,
		store:      store,
		dispatcher: dispatcher,
		system:     system,
		logger:     logger,
	}
	s.setupRoutes(cfg)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(cfg ServerConfig) {
	// WebSocketの認証はプロトコル内の authenticate イベントで行う
	if cfg.WebSocket != nil {
		s.router.GET("/api/v1/ws", cfg.WebSocket)
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))
	api.Use(middleware.RateLimit(cfg.RateLimitPerMin))
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleList())
			notifications.GET("/unread-count", s.handleUnreadCount())
			notifications.PATCH("/read-all", s.handleMarkAllAsRead())
			notifications.PATCH("/:id/read", s.handleMarkAsRead())
			notifications.PATCH("/:id/dismiss", s.handleDismiss())
			notifications.PATCH("/:id/snooze", s.handleSnooze())
			notifications.DELETE("/:id", s.handleDelete())
		}
	}

	// システム通知（内部API - 他サービスからサービストークンで呼び出される）
	if cfg.ServiceToken != "" {
		internal := s.router.Group("/api/v1/internal")
		internal.Use(middleware.ServiceAuth(cfg.ServiceToken))
		{
			internal.POST("/notifications/system", s.handleSendSystem())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// listResponse は通知一覧のJSONレスポンス構造。
type listResponse struct {
	Notifications []event.NotificationPayload `json:"notifications"`
	Page          int                         `json:"page"`
	Limit         int                         `json:"limit"`
	Total         int64                       `json:"total"`
}

func abortWithError(c *gin.Context, err error) {
	status, body := toErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}

func abortInvalidRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg, Code: CodeInvalidRequest})
}

// ownerID は認証済みユーザーIDを返す。取得できない場合は401で中断する。
func ownerID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "ユーザーIDが取得できません", Code: CodeUnauthorized})
		return "", false
	}
	return userID, true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ownerID(c)
		if !ok {
			return
		}

		limit, ok := queryInt(c, "limit")
		if !ok {
			abortInvalidRequest(c, "limitは0以上の整数で指定してください")
			return
		}
		page, ok := queryInt(c, "page")
		if !ok {
			abortInvalidRequest(c, "pageは0以上の整数で指定してください")
			return
		}

		res, err := s.store.List(c.Request.Context(), ListParams{
			OwnerID: userID,
			Status:  Status(c.Query("status")),
			Limit:   limit,
			Page:    page,
		})
		if err != nil {
			s.logError("list notifications failed", err)
			abortWithError(c, err)
			return
		}

		items := make([]event.NotificationPayload, 0, len(res.Items))
		for _, n := range res.Items {
			items = append(items, n.Payload())
		}
		c.JSON(http.StatusOK, listResponse{
			Notifications: items,
			Page:          res.Page,
			Limit:         res.Limit,
			Total:         res.Total,
		})
	}
}

// handleUnreadCount は未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ownerID(c)
		if !ok {
			return
		}

		count, err := s.store.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			s.logError("count unread failed", err)
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, event.UnreadCountPayload{Count: count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return s.handleTransition(func(ctx context.Context, owner, id string, _ *gin.Context) (*Notification, error) {
		return s.store.MarkRead(ctx, owner, id)
	})
}

// handleDismiss は指定された通知を却下するハンドラ。
func (s *Server) handleDismiss() gin.HandlerFunc {
	return s.handleTransition(func(ctx context.Context, owner, id string, _ *gin.Context) (*Notification, error) {
		return s.store.Dismiss(ctx, owner, id)
	})
}

// snoozeRequest はスヌーズリクエストのJSON構造。
type snoozeRequest struct {
	// Minutes はスヌーズする分数。
	Minutes int `json:"minutes" binding:"required"`
}

// handleSnooze は指定された通知をスヌーズするハンドラ。
func (s *Server) handleSnooze() gin.HandlerFunc {
	return s.handleTransition(func(ctx context.Context, owner, id string, c *gin.Context) (*Notification, error) {
		var req snoozeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, ErrInvalidSnooze
		}
		return s.store.Snooze(ctx, owner, id, req.Minutes)
	})
}

type transitionFunc func(ctx context.Context, owner, id string, c *gin.Context) (*Notification, error)

// handleTransition は1件の通知に対する状態遷移ハンドラを組み立てる。
// 成功時は更新後の通知を返し、同じユーザーの他のセッションへ変更を通知する。
func (s *Server) handleTransition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ownerID(c)
		if !ok {
			return
		}

		n, err := fn(c.Request.Context(), userID, c.Param("id"), c)
		if err != nil {
			s.logError("notification transition failed", err)
			abortWithError(c, err)
			return
		}

		unread, err := s.publishChange(c.Request.Context(), userID, event.NotificationUpdatedPayload{
			ID:     n.ID,
			Status: string(n.Status),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, transitionResponse{NotificationPayload: n.Payload(), UnreadCount: unread})
	}
}

// transitionResponse は状態遷移のJSONレスポンス構造。
// クライアントは UnreadCount で未読件数を置き換える。
type transitionResponse struct {
	event.NotificationPayload
	// UnreadCount は処理後の未読件数。
	UnreadCount int64 `json:"unread_count"`
}

// markAllResponse は一括既読のJSONレスポンス構造。
type markAllResponse struct {
	// Count は既読にした件数。
	Count int64 `json:"count"`
	// UnreadCount は処理後の未読件数。
	UnreadCount int64 `json:"unread_count"`
}

// handleMarkAllAsRead は認証済みユーザーの未読通知をすべて既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ownerID(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		count, err := s.store.MarkAllRead(ctx, userID)
		if err != nil {
			s.logError("mark all read failed", err)
			abortWithError(c, err)
			return
		}
		unread, err := s.store.UnreadCount(ctx, userID)
		if err != nil {
			s.logError("count unread failed", err)
			abortWithError(c, err)
			return
		}

		s.dispatch(ctx, userID, event.NameUnreadCount, event.UnreadCountPayload{Count: unread})
		c.JSON(http.StatusOK, markAllResponse{Count: count, UnreadCount: unread})
	}
}

// handleDelete は指定された通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := ownerID(c)
		if !ok {
			return
		}

		id := c.Param("id")
		if err := s.store.Delete(c.Request.Context(), userID, id); err != nil {
			s.logError("delete notification failed", err)
			abortWithError(c, err)
			return
		}

		unread, err := s.publishChange(c.Request.Context(), userID, event.NotificationUpdatedPayload{ID: id, Deleted: true})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "message": "通知を削除しました", "unread_count": unread})
	}
}

// systemRequest はシステム通知リクエストのJSON構造。
type systemRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
}

// handleSendSystem はシステム通知を生成して配信するハンドラ。
func (s *Server) handleSendSystem() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req systemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortInvalidRequest(c, "user_id, title, message は必須です")
			return
		}

		n, err := s.system.SendSystem(c.Request.Context(), req.UserID, req.Title, req.Message)
		if err != nil {
			s.logError("send system notification failed", err)
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, n.Payload())
	}
}

// publishChange は通知の変更と最新の未読件数を同じユーザーのセッションへ送り、その未読件数を返す。
func (s *Server) publishChange(ctx context.Context, userID string, update event.NotificationUpdatedPayload) (int64, error) {
	s.dispatch(ctx, userID, event.NameNotificationUpdated, update)

	unread, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.logError("count unread failed", err)
		return 0, err
	}
	s.dispatch(ctx, userID, event.NameUnreadCount, event.UnreadCountPayload{Count: unread})
	return unread, nil
}

func (s *Server) dispatch(ctx context.Context, userID string, name event.Name, data any) {
	if s.dispatcher == nil {
		return
	}
	msg, err := event.New(name, data)
	if err != nil {
		s.logError("encode event failed", err)
		return
	}
	s.dispatcher.Dispatch(ctx, userID, msg)
}

func (s *Server) logError(msg string, err error) {
	status, _ := toErrorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
		return
	}
	s.logger.Debug(msg, zap.Error(err))
}

package notify

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
)

const defaultListLimit = 50

// Service stores user notifications and pushes them to live connections
type Service struct {
	db  *Database
	hub *Hub
}

func NewService(gormDB *gorm.DB, hub *Hub) *Service {
	if hub == nil {
		hub = NewHub()
	}
	return &Service{
		db:  NewDatabase(gormDB),
		hub: hub,
	}
}

func (s *Service) Hub() *Hub {
	return s.hub
}

// Notify records a notification and never fails the caller. Storage errors are logged.
func (s *Service) Notify(ctx context.Context, userID, title, message, kind string) {
	logger := log.With().Str("service", "notify").Str("user_id", userID).Str("title", title).Logger()

	if kind == "" {
		kind = TypeInfo
	}
	n := &Notification{
		NotificationID: uuid.New().String(),
		UserID:         userID,
		Title:          title,
		Message:        message,
		Type:           kind,
	}

	if err := s.db.Create(ctx, n); err != nil {
		logger.Error().Err(err).Msg("failed to store notification")
		return
	}

	s.hub.BroadcastToUser(userID, map[string]interface{}{
		"type":         "notification",
		"notification": n,
	})
	logger.Debug().Str("notification_id", n.NotificationID).Msg("notification sent")
}

type ListResult struct {
	Notifications []Notification `json:"notifications"`
	Unread        int64          `json:"unread"`
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) (*ListResult, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	notifications, err := s.db.List(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to list notifications")
	}
	unread, err := s.db.CountUnread(ctx, userID)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to count notifications")
	}
	return &ListResult{Notifications: notifications, Unread: unread}, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	n, err := s.db.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return apperr.Dependency(err, "failed to mark notification read")
	}
	if n == 0 {
		return apperr.ErrNotificationMissing
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.db.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperr.Dependency(err, "failed to mark notifications read")
	}
	return n, nil
}

func (s *Service) Delete(ctx context.Context, userID, notificationID string) error {
	n, err := s.db.Delete(ctx, userID, notificationID)
	if err != nil {
		return apperr.Dependency(err, "failed to delete notification")
	}
	if n == 0 {
		return apperr.ErrNotificationMissing
	}
	return nil
}

func (s *Service) ClearAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.db.DeleteAll(ctx, userID)
	if err != nil {
		return 0, apperr.Dependency(err, "failed to clear notifications")
	}
	return n, nil
}

// GinHandlers contains HTTP handlers for notification endpoints
type GinHandlers struct {
	service   *Service
	jwtSecret string
}

func NewGinHandlers(service *Service, jwtSecret string) *GinHandlers {
	return &GinHandlers{
		service:   service,
		jwtSecret: jwtSecret,
	}
}

// ListHandler handles GET /api/notifications?unread=true&limit=
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
		limit, _ := strconv.Atoi(c.Query("limit"))

		result, err := h.service.List(c.Request.Context(), middleware.UserID(c), unreadOnly, limit)
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		response.Handle(c, gin.H{"notification_id": c.Param("id"), "is_read": true}, err)
	}
}

func (h *GinHandlers) MarkAllReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.MarkAllRead(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, gin.H{"updated": n}, err)
	}
}

func (h *GinHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		response.Handle(c, gin.H{"notification_id": c.Param("id"), "deleted": true}, err)
	}
}

func (h *GinHandlers) ClearAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.ClearAll(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, gin.H{"deleted": n}, err)
	}
}

// WebSocketHandler upgrades GET /api/notifications/ws?token= to a live feed.
// Browsers cannot set headers on websocket requests, so the token travels in the query.
func (h *GinHandlers) WebSocketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := middleware.ParseToken(h.jwtSecret, c.Query("token"))
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}
		userID, _ := claims["user_id"].(string)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		h.service.hub.serve(c.Writer, c.Request, userID)
	}
}

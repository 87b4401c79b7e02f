package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/testutil"
)

const testSecret = "notify-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testutil.NewDB(t, &Notification{}), NewHub())
}

func TestNotifyStoresAndPushes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	client := &Client{UserID: "u1", Send: make(chan []byte, 1)}
	s.Hub().Register(client)
	defer client.Close()

	s.Notify(ctx, "u1", "Account Credited", "Your account was credited with $100", TypeSuccess)

	result, err := s.List(ctx, "u1", false, 0)
	require.NoError(t, err)
	require.Len(t, result.Notifications, 1)
	assert.Equal(t, "Account Credited", result.Notifications[0].Title)
	assert.Equal(t, TypeSuccess, result.Notifications[0].Type)
	assert.False(t, result.Notifications[0].IsRead)
	assert.Equal(t, int64(1), result.Unread)

	select {
	case msg := <-client.Send:
		assert.Contains(t, string(msg), "Account Credited")
	default:
		t.Fatal("expected a pushed notification")
	}
}

func TestNotifySwallowsStorageErrors(t *testing.T) {
	// no notifications table
	s := NewService(testutil.NewDB(t), nil)

	assert.NotPanics(t, func() {
		s.Notify(context.Background(), "u1", "title", "message", "")
	})
}

func TestUserOperationsAreScopedToOwner(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.Notify(ctx, "u1", "first", "m", TypeInfo)
	s.Notify(ctx, "u1", "second", "m", TypeInfo)
	s.Notify(ctx, "u2", "other", "m", TypeInfo)

	mine, err := s.List(ctx, "u1", false, 0)
	require.NoError(t, err)
	require.Len(t, mine.Notifications, 2)
	id := mine.Notifications[0].NotificationID

	assert.ErrorIs(t, s.MarkRead(ctx, "u2", id), apperr.ErrNotificationMissing)
	require.NoError(t, s.MarkRead(ctx, "u1", id))

	unread, err := s.List(ctx, "u1", true, 0)
	require.NoError(t, err)
	assert.Len(t, unread.Notifications, 1)
	assert.Equal(t, int64(1), unread.Unread)

	n, err := s.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.ErrorIs(t, s.Delete(ctx, "u2", id), apperr.ErrNotificationMissing)
	require.NoError(t, s.Delete(ctx, "u1", id))

	cleared, err := s.ClearAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	others, err := s.List(ctx, "u2", false, 0)
	require.NoError(t, err)
	assert.Len(t, others.Notifications, 1)
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub()
	client := &Client{UserID: "u1", Send: make(chan []byte, 1)}
	hub.Register(client)
	assert.Equal(t, 1, hub.Connections("u1"))

	client.Close()
	client.Close()
	assert.Equal(t, 0, hub.Connections("u1"))

	assert.NotPanics(t, func() { hub.BroadcastToUser("u1", map[string]string{"x": "y"}) })
}

func TestWebSocketFeed(t *testing.T) {
	s := newTestService(t)
	h := NewGinHandlers(s, testSecret)

	r := gin.New()
	r.GET("/api/notifications/ws", h.WebSocketHandler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"role":    "user",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/notifications/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Connections("u1") == 1 }, time.Second, 10*time.Millisecond)

	s.Notify(context.Background(), "u1", "Trade Closed", "P&L $50", TypeSuccess)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload struct {
		Type         string       `json:"type"`
		Notification Notification `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Equal(t, "notification", payload.Type)
	assert.Equal(t, "Trade Closed", payload.Notification.Title)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	h := NewGinHandlers(newTestService(t), testSecret)
	r := gin.New()
	r.GET("/ws", h.WebSocketHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

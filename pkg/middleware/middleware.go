package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/pkg/response"
)

// Context keys set by JWTAuth
const (
	ContextClaims = "claims"
	ContextUserID = "userID"
	ContextRole   = "role"
	ContextEmail  = "email"
)

const RoleAdmin = "admin"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	authLimit rate.Limit
	apiLimit  rate.Limit
}

// NewRateLimiter builds a limiter with per-minute budgets for auth and API routes
func NewRateLimiter(authPerMin, apiPerMin int) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		authLimit: perMinute(authPerMin),
		apiLimit:  perMinute(apiPerMin),
	}
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

func (rl *RateLimiter) getLimiter(path, clientKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientKey + ":" + path
	v, exists := rl.visitors[key]

	if !exists {
		var limit rate.Limit
		burst := 1
		switch {
		case strings.HasPrefix(path, "/api/auth"):
			limit = rl.authLimit
		case strings.HasPrefix(path, "/api/"):
			limit = rl.apiLimit
			burst = 10
		default:
			limit = rate.Inf // health, metrics
		}

		v = &visitor{
			limiter: rate.NewLimiter(limit, burst),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
		}
	}
}

// StartCleanup runs Cleanup every minute until stop is closed
func (rl *RateLimiter) StartCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString(ContextUserID)
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := rl.getLimiter(c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(secret, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	// Ensure required claims exist
	for _, claim := range []string{"user_id", "role", "exp"} {
		if _, exists := claims[claim]; !exists {
			return nil, fmt.Errorf("missing required claim: %s", claim)
		}
	}

	return claims, nil
}

func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := ParseToken(secret, bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(ContextClaims, claims)
		if userID, ok := claims["user_id"].(string); ok {
			c.Set(ContextUserID, userID)
		}
		if role, ok := claims["role"].(string); ok {
			c.Set(ContextRole, role)
		}
		if email, ok := claims["email"].(string); ok {
			c.Set(ContextEmail, email)
		}

		if c.GetString(ContextUserID) == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			c.Abort()
			return
		}

		c.Next()
	}
}

// AdminRequired must run after JWTAuth
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			response.Handle(c, nil, apperr.ErrAdminRequired)
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user, or "" outside JWTAuth
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextRole) == RoleAdmin
}

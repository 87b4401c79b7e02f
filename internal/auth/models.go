package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	PlanBasic = "basic"
)

// Profile is a registered account holder
type Profile struct {
	gorm.Model    `json:"-"`
	UserID        string     `gorm:"size:36;uniqueIndex" json:"user_id"`
	Email         string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash  string     `gorm:"size:255;not null" json:"-"`
	FullName      string     `gorm:"size:255" json:"full_name"`
	Role          string     `gorm:"size:16;not null;default:user" json:"role"`
	CurrentPlan   string     `gorm:"size:16;not null;default:basic;index" json:"current_plan"`
	PlanExpiresAt *time.Time `gorm:"index" json:"plan_expires_at,omitempty"`
	KYCStatus     string     `gorm:"size:16;not null;default:pending" json:"kyc_status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (p *Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type RegisterRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	FullName string `json:"fullName"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	Profile    *Profile  `json:"profile"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
)

const minPasswordLength = 8

var ErrTokenGeneration = errors.New("failed to generate token")

// Service handles registration, login and token issuing
type Service struct {
	gormDB      *gorm.DB
	db          *Database
	wallets     *ledger.Database
	jwtSecret   []byte
	tokenTTL    time.Duration
	demoBalance decimal.Decimal
}

// NewService creates a new authentication service
func NewService(gormDB *gorm.DB, jwtCfg config.JWTConfig, ledgerCfg config.LedgerConfig) *Service {
	ttl := jwtCfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		gormDB:      gormDB,
		db:          NewDatabase(gormDB),
		wallets:     ledger.NewDatabase(gormDB),
		jwtSecret:   []byte(jwtCfg.Secret),
		tokenTTL:    ttl,
		demoBalance: ledgerCfg.DemoStartingBalance,
	}
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates the profile and both wallets in one transaction. The demo wallet is
// seeded through a deposit transaction so it reconciles from day one.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*TokenResponse, error) {
	profile, err := s.register(ctx, req, RoleUser)
	if err != nil {
		return nil, err
	}
	return s.GenerateToken(profile)
}

func (s *Service) register(ctx context.Context, req RegisterRequest, role string) (*Profile, error) {
	email := normaliseEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("invalid email address")
	}
	if len(req.Password) < minPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to hash password")
	}

	profile := &Profile{
		UserID:       uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(req.FullName),
		Role:         role,
		CurrentPlan:  PlanBasic,
		KYCStatus:    "pending",
	}

	err = s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.db.WithTx(tx).CreateProfile(ctx, profile); err != nil {
			return err
		}

		wallets := s.wallets.WithTx(tx)
		for _, accountType := range []types.AccountType{types.AccountDemo, types.AccountLive} {
			w := &types.Wallet{
				UserID:            profile.UserID,
				AccountType:       accountType,
				TotalBalance:      decimal.Zero,
				TradingBalance:    decimal.Zero,
				BotTradingBalance: decimal.Zero,
				BonusBalance:      decimal.Zero,
			}
			if accountType == types.AccountDemo {
				w.TotalBalance = s.demoBalance
			}
			if err := wallets.CreateWallet(ctx, w); err != nil {
				return apperr.Dependency(err, "failed to create wallet")
			}
			if !w.TotalBalance.IsPositive() {
				continue
			}

			seed := &types.Transaction{
				TransactionID: uuid.New().String(),
				UserID:        profile.UserID,
				AccountType:   accountType,
				Type:          types.TxDeposit,
				Amount:        w.TotalBalance,
				Status:        types.TxCompleted,
				Description:   fmt.Sprintf("Initial %s balance", accountType),
				TotalDelta:    w.TotalBalance,
			}
			if err := wallets.CreateTransaction(ctx, seed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "auth").Str("user_id", profile.UserID).Str("role", role).Msg("user registered")
	return profile, nil
}

// Login verifies the password and issues a token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	profile, err := s.db.GetProfileByEmail(ctx, normaliseEmail(req.Email))
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.ErrInvalidCredentials
	}
	return s.GenerateToken(profile)
}

// SeedAdmin makes sure a back-office account exists for the given email
func (s *Service) SeedAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	existing, err := s.db.GetProfileByEmail(ctx, normaliseEmail(email))
	switch {
	case err == nil:
		if existing.IsAdmin() {
			return nil
		}
		return s.db.SetRole(ctx, existing.UserID, RoleAdmin)
	case errors.Is(err, apperr.ErrUserNotFound):
		_, err = s.register(ctx, RegisterRequest{Email: email, Password: password, FullName: "Administrator"}, RoleAdmin)
		return err
	default:
		return err
	}
}

func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	return s.db.GetProfile(ctx, userID)
}

// GenerateToken issues an HS256 token carrying user_id, email and role
func (s *Service) GenerateToken(profile *Profile) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profile.UserID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: profile.UserID,
		Email:  profile.Email,
		Role:   profile.Role,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, apperr.Dependency(err, ErrTokenGeneration.Error())
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Profile:    profile,
	}, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.Register(c.Request.Context(), req)
		response.HandleCreated(c, token, err)
	}
}

func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.Login(c.Request.Context(), req)
		response.Handle(c, token, err)
	}
}

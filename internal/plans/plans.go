package plans

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notify"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
)

// Service runs the plan upgrade workflow
type Service struct {
	gormDB   *gorm.DB
	db       *Database
	profiles *auth.Database
	ledger   *ledger.Ledger
	notifier ledger.Notifier
	prices   map[string]decimal.Decimal
}

func NewService(gormDB *gorm.DB, l *ledger.Ledger, notifier ledger.Notifier, cfg config.PlansConfig) *Service {
	return &Service{
		gormDB:   gormDB,
		db:       NewDatabase(gormDB),
		profiles: auth.NewDatabase(gormDB),
		ledger:   l,
		notifier: notifier,
		prices:   cfg.Prices,
	}
}

func normalisePlan(plan string) (string, error) {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if !validPlan(plan) {
		return "", apperr.ErrInvalidPlan.Withf("unknown plan %q", plan)
	}
	return plan, nil
}

func (s *Service) notify(ctx context.Context, userID, title, message, kind string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, userID, title, message, kind)
	}
}

// RequestUpgrade files a pending request. A user has at most one pending request.
func (s *Service) RequestUpgrade(ctx context.Context, userID, plan string) (*PlanRequest, error) {
	plan, err := normalisePlan(plan)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.CurrentPlan == plan {
		return nil, apperr.ErrAlreadyOnPlan.Withf("user is already on the %s plan", plan)
	}

	pending, err := s.db.HasPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, apperr.ErrAlreadyPending
	}

	r := &PlanRequest{
		RequestID: uuid.New().String(),
		UserID:    userID,
		Plan:      plan,
		Status:    StatusPending,
	}
	if err := s.db.CreateRequest(ctx, r); err != nil {
		return nil, err
	}

	log.Info().Str("service", "plans").Str("user_id", userID).Str("plan", plan).Msg("plan upgrade requested")
	s.notify(ctx, userID, "Plan Upgrade Requested",
		fmt.Sprintf("Your request to upgrade to %s is awaiting review", plan), notify.TypeInfo)
	return r, nil
}

// Approve activates a pending request, moves the profile onto the plan and cancels any
// other pending requests of the user. Priced plans are charged from the live wallet in
// the same transaction.
func (s *Service) Approve(ctx context.Context, adminID, requestID string) (*PlanRequest, error) {
	logger := log.With().Str("service", "plans").Str("request_id", requestID).Str("admin_id", adminID).Logger()

	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, apperr.ErrAlreadyProcessed.Withf("plan request %s is %s", requestID, r.Status)
	}

	now := time.Now()
	endsAt := EndsAt(r.Plan, now)

	activate := func(tx *gorm.DB) error {
		if err := s.db.WithTx(tx).Resolve(ctx, r, StatusActive, adminID, "", &now, endsAt); err != nil {
			return err
		}
		cancelled, err := s.db.WithTx(tx).CancelSiblings(ctx, r.UserID, r.RequestID)
		if err != nil {
			return err
		}
		if cancelled > 0 {
			logger.Info().Int64("cancelled", cancelled).Msg("cancelled superseded plan requests")
		}
		return s.profiles.WithTx(tx).SetPlan(ctx, r.UserID, r.Plan, endsAt)
	}

	if price := s.prices[r.Plan]; price.IsPositive() {
		_, err = s.ledger.Mutate(ctx, ledger.Mutation{
			Op:          "plan_upgrade",
			UserID:      r.UserID,
			AccountType: types.AccountLive,
			Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
				if w.TotalBalance.LessThan(price) {
					return nil, apperr.ErrInsufficientBalance.Withf("the %s plan costs %s", r.Plan, price)
				}
				w.TotalBalance = w.TotalBalance.Sub(price)
				if err := activate(tx); err != nil {
					return nil, err
				}
				return &ledger.Change{
					Transaction: &types.Transaction{
						Type:        types.TxPlanUpgrade,
						Amount:      price.Neg(),
						ReferenceID: r.RequestID,
						Description: fmt.Sprintf("Upgrade to %s plan", r.Plan),
					},
				}, nil
			},
		})
	} else {
		err = s.gormDB.WithContext(ctx).Transaction(activate)
	}
	if err != nil {
		logger.Info().Err(err).Msg("plan approval failed")
		return nil, err
	}

	logger.Info().Str("user_id", r.UserID).Str("plan", r.Plan).Msg("plan upgrade approved")

	message := fmt.Sprintf("Your %s plan is now active", r.Plan)
	if endsAt != nil {
		message += " until " + endsAt.Format("2006-01-02")
	}
	s.notify(ctx, r.UserID, "Plan Upgrade Approved", message, notify.TypeSuccess)
	return r, nil
}

// Reject closes a pending request without touching the profile
func (s *Service) Reject(ctx context.Context, adminID, requestID, reason string) (*PlanRequest, error) {
	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Resolve(ctx, r, StatusRejected, adminID, reason, nil, nil); err != nil {
		return nil, err
	}

	log.Info().Str("service", "plans").Str("request_id", requestID).Str("admin_id", adminID).Msg("plan upgrade rejected")

	message := fmt.Sprintf("Your request to upgrade to %s was declined", r.Plan)
	if reason != "" {
		message += ": " + reason
	}
	s.notify(ctx, r.UserID, "Plan Upgrade Rejected", message, notify.TypeWarning)
	return r, nil
}

// UpdatePlan sets a user's plan directly, outside of the request workflow
func (s *Service) UpdatePlan(ctx context.Context, adminID, userID, plan string) (*auth.Profile, error) {
	plan, err := normalisePlan(plan)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.SetPlan(ctx, userID, plan, EndsAt(plan, time.Now())); err != nil {
		return nil, err
	}

	log.Info().Str("service", "plans").Str("user_id", userID).Str("admin_id", adminID).Str("plan", plan).Msg("plan updated by admin")
	s.notify(ctx, userID, "Plan Updated", fmt.Sprintf("Your plan has been changed to %s", plan), notify.TypeInfo)
	return s.profiles.GetProfile(ctx, userID)
}

func (s *Service) ListRequests(ctx context.Context, userID string, status RequestStatus, limit int) ([]PlanRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.db.ListRequests(ctx, userID, status, limit)
}

// GinHandlers contains HTTP handlers for plan endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RequestUpgradeHandler handles POST /api/plans/upgrade-request
func (h *GinHandlers) RequestUpgradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpgradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.RequestUpgrade(c.Request.Context(), middleware.UserID(c), req.Plan)
		response.HandleCreated(c, r, err)
	}
}

// MyRequestsHandler handles GET /api/plans/requests
func (h *GinHandlers) MyRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requests, err := h.service.ListRequests(c.Request.Context(), middleware.UserID(c), RequestStatus(c.Query("status")), 0)
		response.Handle(c, requests, err)
	}
}

// ListRequestsHandler handles GET /api/admin/plan-requests?status=&userId=
func (h *GinHandlers) ListRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		requests, err := h.service.ListRequests(c.Request.Context(), c.Query("userId"), RequestStatus(c.Query("status")), limit)
		response.Handle(c, requests, err)
	}
}

func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.Approve(c.Request.Context(), middleware.UserID(c), req.RequestID)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.Reject(c.Request.Context(), middleware.UserID(c), req.RequestID, req.Reason)
		response.Handle(c, r, err)
	}
}

// UpdatePlanHandler handles POST /api/admin/update-plan
func (h *GinHandlers) UpdatePlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdatePlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		profile, err := h.service.UpdatePlan(c.Request.Context(), middleware.UserID(c), req.UserID, req.Plan)
		response.Handle(c, profile, err)
	}
}

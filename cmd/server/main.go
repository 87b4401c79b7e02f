package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/bots"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/lock"
	"github.com/ksred/klear-ledger/internal/notify"
	"github.com/ksred/klear-ledger/internal/plans"
	"github.com/ksred/klear-ledger/internal/trading"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/wallet"
	"github.com/ksred/klear-ledger/pkg/middleware"
)

// setupLogging configures the application logging based on configuration.
// Outside production it enables pretty printing with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Log.Debug || os.Getenv("DEBUG") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
}

type handlers struct {
	auth          *auth.GinHandlers
	wallet        *wallet.GinHandlers
	trading       *trading.GinHandlers
	bots          *bots.GinHandlers
	plans         *plans.GinHandlers
	notifications *notify.GinHandlers
}

// main initializes and runs the ledger API server with graceful shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	db, err := database.NewDatabase(cfg.Database, cfg.Log.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// A nil locker makes the ledger fall back to in-process locks
	var locker lock.Locker
	if cfg.Redis.Enabled {
		rdb, err := lock.NewRedisClient(cfg.Redis)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	}

	hub := notify.NewHub()
	notifyService := notify.NewService(db, hub)
	walletLedger := ledger.New(db, cfg.Ledger, locker, notifyService)
	feed := exchange.NewFeed(cfg.Market)
	defaultAccount := types.AccountType(cfg.Ledger.DefaultAccountType)

	authService := auth.NewService(db, cfg.JWT, cfg.Ledger)
	if cfg.Admin.Email != "" && cfg.Admin.Password != "" {
		if err := authService.SeedAdmin(context.Background(), cfg.Admin.Email, cfg.Admin.Password); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to seed admin account")
		}
	}

	walletService := wallet.NewService(db, walletLedger, defaultAccount)
	tradingService := trading.NewService(db, walletLedger, feed, defaultAccount)
	botsService := bots.NewService(db, walletLedger, feed, cfg.Bots, defaultAccount)
	plansService := plans.NewService(db, walletLedger, notifyService, cfg.Plans)

	h := handlers{
		auth:          auth.NewGinHandlers(authService),
		wallet:        wallet.NewGinHandlers(walletService),
		trading:       trading.NewGinHandlers(tradingService),
		bots:          bots.NewGinHandlers(botsService),
		plans:         plans.NewGinHandlers(plansService),
		notifications: notify.NewGinHandlers(notifyService, cfg.JWT.Secret),
	}

	// Create and start the plan expiry processor
	processor := plans.NewProcessor(auth.NewDatabase(db), notifyService, cfg.Plans.ExpiryInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	limiter := middleware.NewRateLimiter(cfg.Server.AuthRatePerMin, cfg.Server.APIRatePerMin)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go limiter.StartCleanup(stopCleanup)

	router := gin.Default()
	setupRoutes(router, cfg, limiter, h)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Str("environment", cfg.Environment).Msg("Starting ledger API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers.
// Auth routes are public, everything else requires a JWT, and /api/admin also requires the admin role.
func setupRoutes(router *gin.Engine, cfg *config.Config, limiter *middleware.RateLimiter, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Use(limiter.Middleware())
	{
		authRoutes.POST("/register", h.auth.RegisterHandler())
		authRoutes.POST("/login", h.auth.LoginHandler())
	}

	// Authenticates from the query string, so it sits outside the JWT group
	api.GET("/notifications/ws", h.notifications.WebSocketHandler())

	protected := api.Group("")
	// limits are keyed by user once the token is verified
	protected.Use(middleware.JWTAuth(cfg.JWT.Secret), limiter.Middleware())

	walletRoutes := protected.Group("/wallet")
	{
		walletRoutes.GET("/balance", h.wallet.BalanceHandler())
		walletRoutes.GET("/transactions", h.wallet.TransactionsHandler())
		walletRoutes.POST("/transfer", h.wallet.TransferHandler())
		walletRoutes.POST("/withdraw", h.wallet.WithdrawHandler())
		walletRoutes.GET("/reconcile", h.wallet.ReconcileHandler())
	}

	tradeRoutes := protected.Group("/trades")
	{
		tradeRoutes.POST("", h.trading.OpenTradeHandler())
		tradeRoutes.GET("", h.trading.ListTradesHandler())
		tradeRoutes.GET("/:trade_id", h.trading.GetTradeHandler())
		tradeRoutes.POST("/:trade_id/close", h.trading.CloseTradeHandler())
	}

	botRoutes := protected.Group("/bots")
	{
		botRoutes.POST("", h.bots.StartBotHandler())
		botRoutes.GET("", h.bots.ListBotsHandler())
		botRoutes.POST("/:trade_id/stop", h.bots.StopBotHandler())
	}

	planRoutes := protected.Group("/plans")
	{
		planRoutes.POST("/upgrade-request", h.plans.RequestUpgradeHandler())
		planRoutes.GET("/requests", h.plans.MyRequestsHandler())
	}

	notificationRoutes := protected.Group("/notifications")
	{
		notificationRoutes.GET("", h.notifications.ListHandler())
		notificationRoutes.POST("/:id/read", h.notifications.MarkReadHandler())
		notificationRoutes.POST("/read-all", h.notifications.MarkAllReadHandler())
		notificationRoutes.DELETE("/:id", h.notifications.DeleteHandler())
		notificationRoutes.DELETE("", h.notifications.ClearAllHandler())
	}

	admin := protected.Group("/admin")
	admin.Use(middleware.AdminRequired())
	{
		admin.POST("/credit-balance", h.wallet.CreditHandler())
		admin.POST("/update-plan", h.plans.UpdatePlanHandler())
		admin.GET("/plan-requests", h.plans.ListRequestsHandler())
		admin.POST("/plan-requests/approve", h.plans.ApproveHandler())
		admin.POST("/plan-requests/reject", h.plans.RejectHandler())
		admin.GET("/withdrawals", h.wallet.ListWithdrawalsHandler())
		admin.POST("/withdrawals/approve", h.wallet.ApproveWithdrawalHandler())
		admin.POST("/withdrawals/reject", h.wallet.RejectWithdrawalHandler())
	}
}

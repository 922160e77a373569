package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/background"
	"github.com/cdmorrow/vigil/internal/config"
	"github.com/cdmorrow/vigil/internal/database"
	"github.com/cdmorrow/vigil/internal/handlers"
	"github.com/cdmorrow/vigil/internal/metrics"
	middlewareCustom "github.com/cdmorrow/vigil/internal/middleware"
	"github.com/cdmorrow/vigil/internal/repositories"
	"github.com/cdmorrow/vigil/internal/routes"
	"github.com/cdmorrow/vigil/internal/services"
	pkghttp "github.com/cdmorrow/vigil/pkg/http"
	pkglogger "github.com/cdmorrow/vigil/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	enrollmentRepo := repositories.NewEnrollmentRepository(db)
	backupCodeRepo := repositories.NewBackupCodeRepository(db)
	recoveryTokenRepo := repositories.NewRecoveryTokenRepository(db)
	attemptRepo := repositories.NewMFAAttemptRepository(db)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
		cfg.Auth.ChallengeTokenExpiry,
	)

	// Initialize security services
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Secret vault with the master key ring
	vault, err := auth.NewSecretVault(cfg.MFA.MasterKeys, cfg.MFA.ActiveKeyVersion)
	if err != nil {
		logger.Error("failed to initialize secret vault", slog.Any("error", err))
		os.Exit(1)
	}

	// TOTP codec and provisioner
	codec, err := auth.NewTOTPCodec(auth.TOTPAlgorithm(cfg.MFA.Algorithm))
	if err != nil {
		logger.Error("failed to initialize TOTP codec", slog.Any("error", err))
		os.Exit(1)
	}

	provisioner, err := auth.NewProvisioner(cfg.MFA.Issuer, codec)
	if err != nil {
		logger.Error("failed to initialize provisioner", slog.Any("error", err))
		os.Exit(1)
	}

	// Backup codes at the production bcrypt cost
	backupCodes := auth.NewBackupCodeVault(0)

	// Recovery token manager shares the signing secret with the token manager;
	// the repository row behind each token enforces single use
	recoveryTokens := auth.NewRecoveryTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.RecoveryTokenExpiry,
		recoveryTokenRepo,
	)

	// Attempt limiter in front of every code check
	limiterConfig := services.AttemptLimiterConfig{
		MaxFailedPerUser:   cfg.MFA.MaxFailedPerUser,
		MaxFailedPerIP:     cfg.MFA.MaxFailedPerIP,
		MaxFailedPerDevice: cfg.MFA.MaxFailedPerDevice,
		Window:             cfg.MFA.AttemptWindow,
	}
	limiter := services.NewAttemptLimiter(attemptRepo, limiterConfig, logger)

	// Timing delay for verification endpoints
	timingConfig := auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	}
	timingDelay := auth.NewTimingDelay(timingConfig)

	// Security alert emails via SES, or a logging stub when disabled
	var alerts services.AlertService
	if cfg.Alerts.Enabled {
		alerts, err = services.NewAWSSESAlertService(cfg.Alerts.AWSRegion, cfg.Alerts.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize alert service", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		alerts = services.NewNoopAlertService(logger)
	}

	// Prometheus metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize services
	enrollmentService := services.NewEnrollmentService(
		enrollmentRepo,
		backupCodeRepo,
		vault,
		codec,
		provisioner,
		backupCodes,
		limiter,
		alerts,
		auditLogger,
		m,
		logger,
	)
	recoveryService := services.NewRecoveryService(
		enrollmentService,
		recoveryTokens,
		recoveryTokenRepo,
		enrollmentRepo,
		alerts,
		auditLogger,
		m,
		logger,
	)
	authService := services.NewAuthService(userRepo, revokeRepo, enrollmentService, tokenManager, logger, auditLogger)

	// Initialize handlers
	cookieConfig := auth.NewCookieConfig(cfg.Auth.RefreshCookie, cfg.Auth.CookieDomain, cfg.Server.Env)
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	authHandler := handlers.NewAuthHandler(authService, tokenManager, userRepo, cookieConfig, timingDelay, ipConfig)
	mfaHandler := handlers.NewMFAHandler(
		enrollmentService,
		recoveryService,
		tokenManager,
		userRepo,
		revokeRepo,
		timingDelay,
		ipConfig,
		logger,
	)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(logger, cfg.Auth.CleanupInterval,
		background.CleanupTask{
			Name: "revoked_tokens",
			Run:  revokeRepo.CleanupExpiredTokens,
		},
		background.CleanupTask{
			Name: "recovery_tokens",
			Run:  recoveryService.CleanupExpiredTokens,
		},
		background.CleanupTask{
			Name: "verification_attempts",
			Run: func(ctx context.Context) (int64, error) {
				return attemptRepo.DeleteExpiredAttempts(ctx, time.Now().Add(-cfg.MFA.AttemptRetention))
			},
		},
	)

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, mfaHandler, tokenManager, userRepo, revokeRepo)

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Prometheus scrape endpoint
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

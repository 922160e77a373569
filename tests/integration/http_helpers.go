package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/cdmorrow/vigil/internal/auth"
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
	"github.com/prometheus/client_golang/prometheus"
)

// SentAlert is one captured security alert
type SentAlert struct {
	To   string
	Kind string
}

// CapturingAlertService records security alerts for test assertions
type CapturingAlertService struct {
	mu     sync.Mutex
	Alerts []SentAlert
}

func (m *CapturingAlertService) record(email, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, SentAlert{To: email, Kind: kind})
	return nil
}

func (m *CapturingAlertService) SendEnrollmentActivatedAlert(ctx context.Context, email string) error {
	return m.record(email, "enrollment_activated")
}

func (m *CapturingAlertService) SendRecoveryStartedAlert(ctx context.Context, email string) error {
	return m.record(email, "recovery_started")
}

func (m *CapturingAlertService) SendEnrollmentResetAlert(ctx context.Context, email string) error {
	return m.record(email, "enrollment_reset")
}

func (m *CapturingAlertService) SendMFADisabledAlert(ctx context.Context, email string) error {
	return m.record(email, "mfa_disabled")
}

func (m *CapturingAlertService) SendBackupCodesRegeneratedAlert(ctx context.Context, email string) error {
	return m.record(email, "backup_codes_regenerated")
}

// LastAlert returns the most recently captured alert, or nil
func (m *CapturingAlertService) LastAlert() *SentAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Alerts) == 0 {
		return nil
	}
	return &m.Alerts[len(m.Alerts)-1]
}

// Reset clears captured alerts between tests
func (m *CapturingAlertService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = nil
}

// AlertsOfKind counts captured alerts of the given kind
func (m *CapturingAlertService) AlertsOfKind(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.Alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server *httptest.Server
	Pool   *database.DB
	Alerts *CapturingAlertService
	Config *config.Config

	// Service references for direct calls where HTTP would get in the way
	// (the public endpoints sit behind per-IP rate limits)
	Enrollment *services.EnrollmentService
	Recovery   *services.RecoveryService
	Auth       *services.AuthService

	TokenManager *auth.TokenManager
	Codec        *auth.TOTPCodec

	logger *slog.Logger
}

// NewTestServer initializes a complete HTTP server with real database + captured alerts
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	masterKey := bytes.Repeat([]byte{0x42}, 32)

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:    15 * time.Minute,
			RefreshTokenExpiry:   7 * 24 * time.Hour,
			ChallengeTokenExpiry: 5 * time.Minute,
			RecoveryTokenExpiry:  10 * time.Minute,
			CleanupInterval:      1 * time.Hour,
			TimingDelayBaseMs:    1,
			TimingDelayRandomMs:  0,
			TimingDelayOnSuccess: false,
		},
		MFA: config.MFAConfig{
			MasterKeys:         map[uint32][]byte{1: masterKey},
			ActiveKeyVersion:   1,
			Issuer:             "VigilTest",
			Algorithm:          "SHA1",
			MaxFailedPerUser:   5,
			MaxFailedPerIP:     25,
			MaxFailedPerDevice: 5,
			AttemptWindow:      15 * time.Minute,
			AttemptRetention:   7 * 24 * time.Hour,
		},
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
	}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	enrollmentRepo := repositories.NewEnrollmentRepository(db)
	backupCodeRepo := repositories.NewBackupCodeRepository(db)
	recoveryTokenRepo := repositories.NewRecoveryTokenRepository(db)
	attemptRepo := repositories.NewMFAAttemptRepository(db)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
		cfg.Auth.ChallengeTokenExpiry,
	)

	auditLogger := pkglogger.NewAuditLogger(logger)

	vault, err := auth.NewSecretVault(cfg.MFA.MasterKeys, cfg.MFA.ActiveKeyVersion)
	if err != nil {
		panic(fmt.Sprintf("test vault: %v", err))
	}

	codec, err := auth.NewTOTPCodec(auth.TOTPAlgorithm(cfg.MFA.Algorithm))
	if err != nil {
		panic(fmt.Sprintf("test codec: %v", err))
	}

	provisioner, err := auth.NewProvisioner(cfg.MFA.Issuer, codec)
	if err != nil {
		panic(fmt.Sprintf("test provisioner: %v", err))
	}

	// MinCost keeps the batch hashing fast; cost is not under test here
	backupCodes := auth.NewBackupCodeVault(bcrypt.MinCost)

	recoveryTokens := auth.NewRecoveryTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.RecoveryTokenExpiry,
		recoveryTokenRepo,
	)

	limiter := services.NewAttemptLimiter(attemptRepo, services.AttemptLimiterConfig{
		MaxFailedPerUser:   cfg.MFA.MaxFailedPerUser,
		MaxFailedPerIP:     cfg.MFA.MaxFailedPerIP,
		MaxFailedPerDevice: cfg.MFA.MaxFailedPerDevice,
		Window:             cfg.MFA.AttemptWindow,
	}, logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})

	alerts := &CapturingAlertService{}

	m := metrics.New(prometheus.NewRegistry())

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

	cookieConfig := auth.NewCookieConfig(false, "", cfg.Server.Env)
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

	// Chi router with the production middleware chain. RealIP honors
	// X-Forwarded-For, which tests use to keep the per-IP rate limit buckets
	// apart.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, authHandler, mfaHandler, tokenManager, userRepo, revokeRepo)

	server := httptest.NewServer(r)

	return &TestServer{
		Server:       server,
		Pool:         db,
		Alerts:       alerts,
		Config:       cfg,
		Enrollment:   enrollmentService,
		Recovery:     recoveryService,
		Auth:         authService,
		TokenManager: tokenManager,
		Codec:        codec,
		logger:       logger,
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken, clientIP string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization":   "Bearer " + accessToken,
		"X-Forwarded-For": clientIP,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractTokensFromResponse extracts session or challenge tokens from an auth response
func ExtractTokensFromResponse(resp *http.Response) (accessToken, refreshToken, challengeToken string, mfaRequired bool, err error) {
	defer resp.Body.Close()

	var authResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", "", "", false, fmt.Errorf("failed to parse response: %w", err)
	}

	if access, ok := authResp["access_token"].(string); ok {
		accessToken = access
	}
	if refresh, ok := authResp["refresh_token"].(string); ok {
		refreshToken = refresh
	}
	if challenge, ok := authResp["challenge_token"].(string); ok {
		challengeToken = challenge
	}
	if required, ok := authResp["mfa_required"].(bool); ok {
		mfaRequired = required
	}

	return
}

// GetErrorMessage extracts error message from error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}

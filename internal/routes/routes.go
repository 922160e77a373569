package routes

import (
	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/handlers"
	"github.com/cdmorrow/vigil/internal/middleware"
	"github.com/cdmorrow/vigil/internal/repositories"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes under /api/v1
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	mfaHandler *handlers.MFAHandler,
	tokenManager *auth.TokenManager,
	userRepo *repositories.UserRepository,
	revokeRepo *repositories.TokenRevocationRepository,
) {
	authLimit := middleware.DefaultAuthRateLimit()
	verifyLimit := middleware.DefaultVerifyRateLimit()

	requireAuth := auth.AuthMiddlewareWithRevocation(tokenManager, revokeRepo, auth.RevocationConfig{})

	router.Route("/api/v1", func(api chi.Router) {
		api.Route("/auth", func(r chi.Router) {
			// Public routes - every one is IP rate limited
			r.With(middleware.RateLimitByIP(authLimit)).Post("/register", authHandler.Register)
			r.With(middleware.RateLimitByIP(authLimit)).Post("/login", authHandler.Login)
			r.With(middleware.RateLimitByIP(authLimit)).Post("/login/mfa", authHandler.CompleteMFALogin)
			r.With(middleware.RateLimitByIP(authLimit)).Post("/refresh", authHandler.RefreshToken)

			// Session required
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.Me)
			})
		})

		api.Route("/mfa", func(r chi.Router) {
			// Public routes. Recovery callers are mid-login and carry a
			// challenge token in the body; reset callers hold only the reset
			// token. Both identify themselves by token, not session.
			r.With(middleware.RateLimitByIP(authLimit)).Post("/recovery", mfaHandler.Recovery)
			r.With(middleware.RateLimitByIP(authLimit)).Post("/reset", mfaHandler.Reset)

			// Session required; disabled accounts cannot manage enrollment
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Use(auth.RequireActiveAccount(userRepo))
				r.Use(middleware.RateLimitByUserID(verifyLimit))

				r.Post("/setup", mfaHandler.Setup)
				r.Post("/verify", mfaHandler.Verify)
				r.Get("/status", mfaHandler.Status)
				r.Post("/backup-codes/regenerate", mfaHandler.RegenerateBackupCodes)
				r.Post("/disable", mfaHandler.Disable)
			})
		})
	})
}

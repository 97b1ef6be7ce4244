package routes

import (
	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/handlers"
	"github.com/bastion-sec/bastion/internal/middleware"
	"github.com/bastion-sec/bastion/internal/services"
	pkghttp "github.com/bastion-sec/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	mfaHandler *handlers.MFAHandler,
	sessionHandler *handlers.SessionHandler,
	auditHandler *handlers.AuditHandler,
	tokens *auth.SessionTokenManager,
	sessions *services.SessionService,
	ipConfig *pkghttp.IPConfig,
) {
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public routes - authentication endpoints, rate limited per IP
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/mfa/issue", mfaHandler.Issue)
		r.Post("/auth/mfa/verify", mfaHandler.Verify)
		r.Post("/auth/mfa/backup", mfaHandler.VerifyBackup)
	})

	// Protected routes - valid session handle required
	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(tokens, sessions, ipConfig))

		r.Post("/auth/password", authHandler.ChangePassword)
		r.Post("/auth/password/check", authHandler.CheckPassword)

		r.Get("/mfa/methods", mfaHandler.Methods)
		r.Post("/mfa/enroll/totp", mfaHandler.EnrollTOTP)
		r.Post("/mfa/enroll/oob", mfaHandler.EnrollOOB)
		r.Delete("/mfa", mfaHandler.Disable)

		r.Get("/sessions", sessionHandler.List)
		r.Delete("/sessions/{id}", sessionHandler.Revoke)
		r.Delete("/sessions", sessionHandler.RevokeAll)

		// Operator routes. Deployments front these with their own authz
		// layer; the core only requires an authenticated caller.
		r.Get("/audit/events", auditHandler.Query)
		r.Get("/audit/report", auditHandler.Report)
		r.Get("/audit/anomalies", auditHandler.Anomalies)
		r.Get("/lockout/status", auditHandler.LockoutStatus)
		r.Post("/lockout/unlock", auditHandler.Unlock)
	})
}

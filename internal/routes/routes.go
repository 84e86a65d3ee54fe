package routes

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/handlers"
	"github.com/qbh/portal/internal/middleware"
	"github.com/qbh/portal/internal/models"
)

// Handlers groups the HTTP handlers mounted under /api.
type Handlers struct {
	Auth           *handlers.AuthHandler
	MFA            *handlers.MFAHandler
	Mobile         *handlers.MobileHandler
	Users          *handlers.UserHandler
	Admin          *handlers.AdminHandler
	MedicalRecords *handlers.MedicalRecordHandler
	System         *handlers.SystemHandler
}

// Security groups the middleware dependencies shared by the API routes.
type Security struct {
	Sessions      *auth.SessionManager
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Recorder      auth.SecurityRecorder
	Responder     *handlers.ErrorResponder
	Logger        *slog.Logger
}

// SessionStatusPath is polled by the client and must not count as activity.
const SessionStatusPath = "/api/auth/session-status"

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, s Security) {
	wrap := s.Responder.Wrap
	authLimit := s.RateLimiter.Limit(middleware.AuthRateLimit)
	resetLimit := s.RateLimiter.Limit(middleware.PasswordResetRateLimit)
	authenticated := s.Authenticator.Authenticate

	router.Get("/health", h.System.Health)

	router.Route("/api", func(r chi.Router) {
		r.Use(s.RateLimiter.Limit(middleware.GeneralRateLimit))
		r.Use(s.Sessions.LoadSession)
		r.Use(s.Sessions.SessionTimeout(s.Recorder, SessionStatusPath))
		r.Use(middleware.CSRFProtection(middleware.CSRFConfig{
			Cookies:  s.Sessions.Cookies(),
			Recorder: s.Recorder,
			Logger:   s.Logger,
		}))
		r.Use(middleware.BlockSuspiciousRequests(s.Recorder))
		r.Use(middleware.SanitizeInputs(s.Recorder, s.Logger))

		r.Get("/csrf-token", wrap(h.System.CSRFToken))

		// Public auth routes
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimit).Post("/login", wrap(h.Auth.Login))
			r.With(authLimit).Post("/register", wrap(h.Auth.Register))
			r.With(resetLimit).Post("/forgot-password", wrap(h.Auth.ForgotPassword))
			r.With(resetLimit).Post("/reset-password", wrap(h.Auth.ResetPassword))
			r.Get("/session-status", wrap(h.Auth.SessionStatus))

			r.Group(func(r chi.Router) {
				r.Use(authenticated)
				r.Post("/logout", wrap(h.Auth.Logout))
				r.Get("/me", wrap(h.Auth.Me))
				r.Post("/change-password", wrap(h.Auth.ChangePassword))
			})
		})

		r.Route("/mfa", func(r chi.Router) {
			r.Use(authenticated)
			r.Get("/status", wrap(h.MFA.Status))
			r.Post("/setup", wrap(h.MFA.Setup))
			r.Post("/verify", wrap(h.MFA.Verify))
			r.Post("/disable", wrap(h.MFA.Disable))
		})

		r.Route("/mobile", func(r chi.Router) {
			r.With(authLimit).Post("/login", wrap(h.Mobile.Login))
			r.With(authLimit).Post("/verify-device", wrap(h.Mobile.VerifyDevice))

			r.Group(func(r chi.Router) {
				r.Use(authenticated)
				r.Get("/devices", wrap(h.Mobile.ListDevices))
				r.Delete("/devices/{deviceID}", wrap(h.Mobile.RemoveDevice))
			})
		})

		// Medical records; per-patient access is enforced by the service
		r.Group(func(r chi.Router) {
			r.Use(authenticated)
			clinical := auth.AuthorizeRoles(s.Recorder, models.RoleProvider, models.RoleAdmin)
			anyChartRole := auth.AuthorizeRoles(s.Recorder, models.RolePatient, models.RoleProvider, models.RoleAdmin)

			r.With(clinical).Post("/medical-records", wrap(h.MedicalRecords.Create))
			r.With(anyChartRole).Get("/medical-records", wrap(h.MedicalRecords.ListMine))
			r.With(anyChartRole).Get("/medical-records/{id}", wrap(h.MedicalRecords.Get))
			r.With(anyChartRole).Get("/patients/{patientID}/medical-records", wrap(h.MedicalRecords.ListForPatient))
		})

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(authenticated)
			r.Use(auth.AuthorizeRoles(s.Recorder, models.RoleAdmin))

			r.Route("/users", func(r chi.Router) {
				h.Users.RegisterRoutes(r, wrap)
				h.Admin.RegisterUserRoutes(r, wrap)
			})
			r.Get("/security-events", wrap(h.Admin.SecurityEvents))
			r.Get("/compliance-report", wrap(h.Admin.ComplianceReport))
			r.Get("/dashboard/stats", wrap(h.Admin.GetDashboardStats))
			r.Get("/dashboard/activity", wrap(h.Admin.GetRecentActivity))
			r.With(auth.RequireSuperadmin(s.Recorder)).Post("/secrets/rotate", wrap(h.Admin.RotateSecret))
		})
	})
}

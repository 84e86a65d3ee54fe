package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
	pkghttp "github.com/qbh/portal/pkg/http"
)

const (
	// CSRFRequestHeader carries the token on state-changing requests
	CSRFRequestHeader = "X-CSRF-Token"
	// CSRFResponseHeader exposes the token issued for the next request
	CSRFResponseHeader = "X-CSRF-TOKEN"

	CSRFTokenTTL   = 24 * time.Hour
	csrfTokenBytes = 32
)

// CSRFConfig configures CSRFProtection.
type CSRFConfig struct {
	Cookies  auth.CookieConfig
	Recorder auth.SecurityRecorder
	Logger   *slog.Logger
}

// CSRFProtection applies the double-submit cookie check to state-changing
// requests. A request with no CSRF cookie is let through and issued one.
// Every request that passes leaves with a fresh token.
func CSRFProtection(cfg CSRFConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookieToken := auth.GetCSRFFromCookie(r)

			if !isStateChangingMethod(r.Method) {
				if cookieToken == "" {
					if _, err := IssueCSRFToken(w, cfg.Cookies); err != nil {
						cfg.Logger.Error("failed to issue CSRF token", slog.String("error", err.Error()))
					}
				} else {
					w.Header().Set(CSRFResponseHeader, cookieToken)
				}
				next.ServeHTTP(w, r)
				return
			}

			if cookieToken != "" {
				headerToken := r.Header.Get(CSRFRequestHeader)
				if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
					event := auth.NewRequestEvent(r, models.EventCSRFViolation)
					event.Outcome = models.OutcomeDenied
					event.Message = "CSRF token mismatch"
					event.Details = map[string]interface{}{"headerPresent": headerToken != ""}
					cfg.Recorder.Record(r.Context(), event)

					pkghttp.WriteForbidden(w, "CSRF token validation failed. Please refresh and try again.")
					return
				}
			}

			if _, err := IssueCSRFToken(w, cfg.Cookies); err != nil {
				cfg.Logger.Error("failed to issue CSRF token", slog.String("error", err.Error()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueCSRFToken mints a token, sets the cookie and mirrors it in the
// response header.
func IssueCSRFToken(w http.ResponseWriter, cookies auth.CookieConfig) (string, error) {
	token, err := pkgauth.GenerateRandomHex(csrfTokenBytes)
	if err != nil {
		return "", err
	}
	auth.SetCSRFCookie(w, token, CSRFTokenTTL, cookies)
	w.Header().Set(CSRFResponseHeader, token)
	return token, nil
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

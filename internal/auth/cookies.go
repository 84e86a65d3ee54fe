package auth

import (
	"net/http"
	"time"
)

// Cookie names
const (
	TokenCookieName   = "token"
	SessionCookieName = "qbh_session"
	CSRFCookieName    = "XSRF-TOKEN-COOKIE"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

// NewCookieConfig returns the cookie settings for an environment: Secure and
// strict in production, lax over plain HTTP otherwise.
func NewCookieConfig(domain string, production bool) CookieConfig {
	if production {
		return CookieConfig{Domain: domain, Secure: true, SameSite: "strict"}
	}
	return CookieConfig{Domain: domain, Secure: false, SameSite: "lax"}
}

// SetTokenCookie stores the web JWT in an httpOnly cookie
func SetTokenCookie(w http.ResponseWriter, token string, ttl time.Duration, config CookieConfig) {
	setCookie(w, TokenCookieName, token, ttl, config)
}

// ClearTokenCookie removes the JWT cookie
func ClearTokenCookie(w http.ResponseWriter, config CookieConfig) {
	clearCookie(w, TokenCookieName, config)
}

// GetTokenFromCookie returns the JWT cookie value, or "" if absent
func GetTokenFromCookie(r *http.Request) string {
	return cookieValue(r, TokenCookieName)
}

// SetCSRFCookie stores the CSRF token. It is always SameSite=strict.
func SetCSRFCookie(w http.ResponseWriter, token string, ttl time.Duration, config CookieConfig) {
	config.SameSite = "strict"
	setCookie(w, CSRFCookieName, token, ttl, config)
}

// GetCSRFFromCookie returns the CSRF cookie value, or "" if absent
func GetCSRFFromCookie(r *http.Request) string {
	return cookieValue(r, CSRFCookieName)
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   config.Domain,
		Expires:  time.Now().Add(ttl),
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

func clearCookie(w http.ResponseWriter, name string, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// parseSameSite converts string to http.SameSite
func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

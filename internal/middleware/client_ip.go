package middleware

import (
	"net/http"

	pkghttp "github.com/qbh/portal/pkg/http"
)

// RealClientIP replaces RemoteAddr with the address resolved through the
// trusted proxy list. Forwarding headers from untrusted peers are ignored.
func RealClientIP(resolver *pkghttp.IPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.RemoteAddr = resolver.Resolve(r)
			next.ServeHTTP(w, r)
		})
	}
}

package http

import (
	"net"
	"net/http"
	"strings"
)

const maxUserAgentLen = 512

// IPResolver finds the client address of a request. Forwarding headers are
// honoured only when the direct peer is inside a trusted proxy range.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver parses trusted proxy CIDRs. Invalid ranges are skipped.
func NewIPResolver(trustedProxies []string) *IPResolver {
	r := &IPResolver{}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		r.trusted = append(r.trusted, ipNet)
	}
	return r
}

// Resolve returns the client IP for req.
func (r *IPResolver) Resolve(req *http.Request) string {
	remoteIP := ClientIP(req)
	if r == nil || !r.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return remoteIP
}

func (r *IPResolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range r.trusted {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the host part of req.RemoteAddr.
func ClientIP(req *http.Request) string {
	if req.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return ip
	}
	return req.RemoteAddr
}

// UserAgent returns the request user agent, truncated for storage.
func UserAgent(req *http.Request) string {
	ua := req.UserAgent()
	if len(ua) > maxUserAgentLen {
		return ua[:maxUserAgentLen]
	}
	return ua
}

package gate

import (
	"net/http"
	"strings"
)

// Headers attached to requests that pass the gate.
const (
	HeaderUserID              = "X-User-Id"
	HeaderUserRole            = "X-User-Role"
	HeaderSecurityLevel       = "X-Security-Level"
	HeaderClientIP            = "X-Client-Ip"
	HeaderRateLimitRemaining  = "X-Rate-Limit-Remaining"
	HeaderAdminSessionExpires = "X-Admin-Session-Expires"
)

var identityHeaders = []string{
	HeaderUserID,
	HeaderUserRole,
	HeaderSecurityLevel,
	HeaderClientIP,
	HeaderRateLimitRemaining,
	HeaderAdminSessionExpires,
}

// SecurityHeaders is middleware that sets standard security response headers
// on every response. It should be placed early in the middleware chain.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setHardeningHeaders(w.Header(), r)
		next.ServeHTTP(w, r)
	})
}

func setHardeningHeaders(h http.Header, r *http.Request) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	if requestIsSecure(r) {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"net/http"
)

// SecurityHeadersMiddleware adds security headers to every admin API
// response. Unlike a browser-facing site, the Master's admin surface never
// renders HTML or serves same-origin scripts/styles, so the policy below
// denies rather than scopes to 'self'.
type SecurityHeadersMiddleware struct {
	headers map[string]string
}

// DefaultSecurityHeaders returns the header set for the admin JSON API.
// includeHSTS should stay false for the fabric's common deployment — the
// Master's admin surface and SUT control channel typically run as plain
// LAN HTTP/WS; advertising Strict-Transport-Security there would instruct a
// browser to upgrade connections to a scheme the deployment never offers.
// Operators who do terminate TLS in front of the admin surface should pass
// includeHSTS=true.
func DefaultSecurityHeaders(includeHSTS bool) map[string]string {
	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=(), usb=(), serial=(), bluetooth=()",
		"X-Robots-Tag":            "noindex, nofollow",
		"Cache-Control":           "no-store, no-cache, must-revalidate",
		"Pragma":                  "no-cache",
	}
	if includeHSTS {
		headers["Strict-Transport-Security"] = "max-age=31536000; includeSubDomains"
	}
	return headers
}

// NewSecurityHeadersMiddleware creates security-headers middleware. A nil
// headers map falls back to DefaultSecurityHeaders(false), the safe default
// for the fabric's typical plain-HTTP LAN deployment.
func NewSecurityHeadersMiddleware(headers map[string]string) *SecurityHeadersMiddleware {
	if headers == nil {
		headers = DefaultSecurityHeaders(false)
	}
	return &SecurityHeadersMiddleware{headers: headers}
}

// Handler returns the security headers middleware handler.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for key, value := range m.headers {
			w.Header().Set(key, value)
		}
		next.ServeHTTP(w, r)
	})
}

package security

import (
	"net/http"
	"strconv"
	"strings"
)

// apiHeaders are set on every gateway response. The gateway only serves JSON,
// so nothing may be framed, sniffed or fetched from a response.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// Headers sets response security headers. Proxied core responses may replace
// them with their own values.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Middleware applies the headers before calling next. Responses default to
// Cache-Control: no-store since checkout and status bodies are per user.
// HSTS is only sent over TLS, including TLS terminated by a load balancer
// that sets X-Forwarded-Proto.
func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	hsts := h.hstsValue()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		for k, v := range apiHeaders {
			headers.Set(k, v)
		}
		if headers.Get("Cache-Control") == "" {
			headers.Set("Cache-Control", "no-store")
		}
		if hsts != "" && isHTTPS(r) {
			headers.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) hstsValue() string {
	if !h.EnableHSTS {
		return ""
	}
	maxAge := h.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 31536000
	}
	value := "max-age=" + strconv.Itoa(maxAge)
	if h.HSTSIncludeSubdomains {
		value += "; includeSubDomains"
	}
	return value
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

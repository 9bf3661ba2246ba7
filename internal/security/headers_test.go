package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveWithHeaders(h Headers, req *http.Request, inner http.HandlerFunc) http.Header {
	if inner == nil {
		inner = func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	rr := httptest.NewRecorder()
	h.Middleware(inner).ServeHTTP(rr, req)
	return rr.Result().Header
}

func TestHeadersSetOnAPIResponses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://gateway.example/api/payments/status/cs_1", nil)
	req.TLS = &tls.ConnectionState{}
	got := serveWithHeaders(Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600, HSTSIncludeSubdomains: true}, req, nil)

	require.Equal(t, "nosniff", got.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", got.Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", got.Get("Referrer-Policy"))
	require.Equal(t, "default-src 'none'; frame-ancestors 'none'", got.Get("Content-Security-Policy"))
	require.Equal(t, "no-store", got.Get("Cache-Control"))
	require.Equal(t, "max-age=600; includeSubDomains", got.Get("Strict-Transport-Security"))
}

func TestHeadersHSTSOnlyOverTLS(t *testing.T) {
	h := Headers{Enable: true, EnableHSTS: true}

	plain := serveWithHeaders(h, httptest.NewRequest(http.MethodGet, "http://gateway.example/", nil), nil)
	require.Empty(t, plain.Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "http://gateway.example/", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	behindLB := serveWithHeaders(h, req, nil)
	require.Equal(t, "max-age=31536000", behindLB.Get("Strict-Transport-Security"))
}

func TestHeadersUpstreamCacheControlWins(t *testing.T) {
	got := serveWithHeaders(Headers{Enable: true}, httptest.NewRequest(http.MethodGet, "/api/rooms", nil),
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Cache-Control", "public, max-age=60")
			w.WriteHeader(http.StatusOK)
		})
	require.Equal(t, "public, max-age=60", got.Get("Cache-Control"))
}

func TestHeadersDisabled(t *testing.T) {
	got := serveWithHeaders(Headers{EnableHSTS: true}, httptest.NewRequest(http.MethodGet, "http://gateway.example/", nil), nil)
	require.Empty(t, got.Get("X-Content-Type-Options"))
	require.Empty(t, got.Get("Cache-Control"))
}

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/cors"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/config"
)

func corsResponse(t *testing.T, cfg *config.Config, origin string) http.Header {
	t.Helper()
	h := cors.Handler(corsOptions(cfg))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Header()
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {"https://shop.example", "*"}} {
		cfg := &config.Config{CORSAllowedOrigins: origins}
		opts := corsOptions(cfg)
		require.False(t, opts.AllowCredentials, origins)
		require.Contains(t, opts.AllowedOrigins, "*")

		hdr := corsResponse(t, cfg, "https://evil.example")
		require.Empty(t, hdr.Get("Access-Control-Allow-Credentials"))
		require.NotEqual(t, "https://evil.example", hdr.Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSAllowlistSendsCredentials(t *testing.T) {
	cfg := &config.Config{CORSAllowedOrigins: []string{"https://shop.example"}}
	require.True(t, corsOptions(cfg).AllowCredentials)

	hdr := corsResponse(t, cfg, "https://shop.example")
	require.Equal(t, "https://shop.example", hdr.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", hdr.Get("Access-Control-Allow-Credentials"))

	hdr = corsResponse(t, cfg, "https://evil.example")
	require.Empty(t, hdr.Get("Access-Control-Allow-Origin"))
	require.Empty(t, hdr.Get("Access-Control-Allow-Credentials"))
}

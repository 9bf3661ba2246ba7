package security

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func bodyLimitEcho(max int64, seen *string, seenLen *int64) http.Handler {
	return BodyLimit{Max: max}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		*seen = string(data)
		*seenLen = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
}

func TestBodyLimitPassesBodyThrough(t *testing.T) {
	var seen string
	var seenLen int64
	handler := bodyLimitEcho(16, &seen, &seenLen)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/create-checkout", strings.NewReader(`{"type":"x"}`))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, `{"type":"x"}`, seen)
	require.EqualValues(t, len(`{"type":"x"}`), seenLen)
}

func TestBodyLimitAcceptsExactlyMax(t *testing.T) {
	var seen string
	var seenLen int64
	rr := httptest.NewRecorder()
	bodyLimitEcho(5, &seen, &seenLen).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("12345")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "12345", seen)
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	cases := map[string]func() *http.Request{
		"streamed": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/webhook/provider_a", strings.NewReader("excessive"))
			req.ContentLength = -1
			return req
		},
		"declared": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/webhook/provider_a", strings.NewReader("ok"))
			req.ContentLength = 100
			return req
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			var seen string
			var seenLen int64
			rr := httptest.NewRecorder()
			bodyLimitEcho(5, &seen, &seenLen).ServeHTTP(rr, build())

			require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
			require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			require.Equal(t, "PAYLOAD_TOO_LARGE", body["code"])
			require.Equal(t, "request entity too large", body["error"])
			require.Empty(t, seen)
		})
	}
}

func TestBodyLimitSkipsEmptyBodies(t *testing.T) {
	var seen string
	var seenLen int64
	rr := httptest.NewRecorder()
	bodyLimitEcho(1, &seen, &seenLen).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/bookings", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/checkout-gateway/internal/common"
)

// BodyLimit caps request payloads at Max bytes. The accepted body is buffered
// so the webhook signature check and the proxy see exactly the bytes sent,
// with ContentLength set.
type BodyLimit struct {
	Max int64
}

// Middleware answers 413 PAYLOAD_TOO_LARGE for a declared or actual body over Max.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w)
			return
		}

		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		_ = r.Body.Close()
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			tooLarge(w)
			return
		case err != nil:
			common.JSONError(w, http.StatusBadRequest, common.CodeInvalidBody, "invalid request body")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
	common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodePayloadTooLarge, "request entity too large")
}

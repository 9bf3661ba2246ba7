package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteErrorUsesAppErrorStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	cause := errors.New("core said no")
	WriteError(rr, fmt.Errorf("checkout: %w", NewAppError("UNAUTHORIZED", "not authenticated", http.StatusUnauthorized, cause)))

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "not authenticated", body["error"])
	require.Equal(t, "UNAUTHORIZED", body["code"])
	require.NotContains(t, rr.Body.String(), "core said no")
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, errors.New("dial tcp 10.0.0.1:5432: refused"))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.JSONEq(t, `{"error":"internal error","code":"INTERNAL"}`, rr.Body.String())
}

func TestAppErrorKeepsCauseServerSide(t *testing.T) {
	cause := errors.New("stripe: 502")
	err := NewAppError(CodeProviderUnavailable, "payment provider unavailable", http.StatusBadGateway, cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "PROVIDER_UNAVAILABLE: stripe: 502", err.Error())

	rr := httptest.NewRecorder()
	WriteError(rr, err)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.JSONEq(t, `{"error":"payment provider unavailable","code":"PROVIDER_UNAVAILABLE"}`, rr.Body.String())
}

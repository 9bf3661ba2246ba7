package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecretHex = "00112233445566778899aabbccddeeff"

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestSigned(t *testing.T, maxAge time.Duration, now func() time.Time) *SignedRedirect {
	t.Helper()
	s, err := NewSignedRedirect(SignedOptions{
		AccessKey: "ak-1",
		ProfileID: "profile-1",
		SecretKey: testSecretHex,
		MaxAge:    maxAge,
		Now:       now,
	})
	require.NoError(t, err)
	return s
}

func TestNewSignedRedirectRejectsBadHex(t *testing.T) {
	_, err := NewSignedRedirect(SignedOptions{SecretKey: "zz-not-hex"})
	require.Error(t, err)

	_, err = NewSignedRedirect(SignedOptions{SecretKey: ""})
	require.Error(t, err)
}

func TestInitiateBuildsSignedFields(t *testing.T) {
	s := newTestSigned(t, 0, func() time.Time { return fixedNow })

	form, err := s.Initiate(context.Background(), InitiateRequest{
		OrderID:   "cb_order-1",
		OriginURL: "https://shop.example/",
		Amount:    decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)
	require.Equal(t, defaultSignedEndpoint, form.EndpointURL)

	f := form.Fields
	require.Equal(t, "ak-1", f["access_key"])
	require.Equal(t, "profile-1", f["profile_id"])
	require.Equal(t, "12.50", f["amount"])
	require.Equal(t, "JOD", f["currency"])
	require.Equal(t, "ar", f["locale"])
	require.Equal(t, "sale", f["transaction_type"])
	require.Equal(t, "cb_order-1", f["reference_number"])
	require.Equal(t, "2025-03-14T09:26:53Z", f["signed_date_time"])
	require.Equal(t, "https://shop.example/payment/success?session_id=cb_order-1", f["override_custom_receipt_page"])
	require.Equal(t, "https://shop.example/payment/cancel", f["override_custom_cancel_page"])
	require.Equal(t, strings.Join(signedFieldNames, ","), f["signed_field_names"])

	key, _ := hex.DecodeString(testSecretHex)
	parts := make([]string, 0, len(signedFieldNames))
	for _, name := range signedFieldNames {
		parts = append(parts, name+"="+f[name])
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(parts, ",")))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), f["signature"])

	require.NoError(t, s.Verify(f))
}

func TestInitiateUsesFreshTransactionUUID(t *testing.T) {
	s := newTestSigned(t, 0, nil)
	req := InitiateRequest{OrderID: "cb_1", OriginURL: "https://shop.example", Amount: decimal.NewFromInt(10)}

	first, err := s.Initiate(context.Background(), req)
	require.NoError(t, err)
	second, err := s.Initiate(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.Fields["transaction_uuid"], second.Fields["transaction_uuid"])
	require.NoError(t, s.Verify(first.Fields))
	require.NoError(t, s.Verify(second.Fields))
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestSigned(t, 0, nil)
	form, err := s.Initiate(context.Background(), InitiateRequest{OrderID: "cb_1", OriginURL: "https://shop.example", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	for _, field := range signedFieldNames {
		if field == "signed_field_names" {
			continue
		}
		tampered := make(map[string]string, len(form.Fields))
		for k, v := range form.Fields {
			tampered[k] = v
		}
		tampered[field] += "x"
		require.ErrorIs(t, s.Verify(tampered), ErrInvalidSignature, field)
	}

	missing := map[string]string{"signed_field_names": "amount", "amount": "10.00"}
	require.ErrorIs(t, s.Verify(missing), ErrInvalidSignature)
}

func TestVerifyEnforcesFreshnessWindow(t *testing.T) {
	now := fixedNow
	s := newTestSigned(t, 15*time.Minute, func() time.Time { return now })
	form, err := s.Initiate(context.Background(), InitiateRequest{OrderID: "cb_1", OriginURL: "https://shop.example", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	now = fixedNow.Add(10 * time.Minute)
	require.NoError(t, s.Verify(form.Fields))

	now = fixedNow.Add(16 * time.Minute)
	require.ErrorIs(t, s.Verify(form.Fields), ErrStaleSignature)
	require.ErrorIs(t, s.Verify(form.Fields), ErrInvalidSignature)
}

func TestSignedCreateSessionMintsLocalID(t *testing.T) {
	s := newTestSigned(t, 0, nil)
	sess, err := s.CreateSession(context.Background(), SessionRequest{OriginURL: "https://shop.example/", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sess.ID, "cb_"))
	require.Equal(t, "provider_b", sess.Provider)
	require.Equal(t, "https://shop.example/payment/capital-bank/"+sess.ID, sess.RedirectURL)
	require.False(t, sess.Manual)
}

func signedReply(t *testing.T, s *SignedRedirect, decision, reason string) url.Values {
	t.Helper()
	fields := map[string]string{
		"decision":             decision,
		"reason_code":          reason,
		"req_reference_number": "cb_42",
		"transaction_id":       "tx-9",
		"signed_date_time":     fixedNow.Format(signedDateLayout),
		"signed_field_names":   "decision,reason_code,req_reference_number,transaction_id,signed_date_time,signed_field_names",
	}
	fields["signature"] = s.Sign(fields)
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return values
}

func TestSignedVerifyWebhookForm(t *testing.T) {
	s := newTestSigned(t, 15*time.Minute, func() time.Time { return fixedNow })
	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}

	event, err := s.VerifyWebhook([]byte(signedReply(t, s, "ACCEPT", "100").Encode()), header)
	require.NoError(t, err)
	require.Equal(t, "payment.accepted", event.Type)
	require.Equal(t, "cb_42", event.Reference)
	require.Equal(t, "tx-9", event.ID)

	event, err = s.VerifyWebhook([]byte(signedReply(t, s, "DECLINE", "481").Encode()), header)
	require.NoError(t, err)
	require.Equal(t, "payment.declined", event.Type)

	tampered := signedReply(t, s, "DECLINE", "481")
	tampered.Set("decision", "ACCEPT")
	_, err = s.VerifyWebhook([]byte(tampered.Encode()), header)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignedVerifyWebhookJSON(t *testing.T) {
	s := newTestSigned(t, 0, nil)
	fields := map[string]string{
		"decision":           "ACCEPT",
		"reason_code":        "100",
		"reference_number":   "cb_7",
		"signed_date_time":   fixedNow.Format(signedDateLayout),
		"signed_field_names": "decision,reason_code,reference_number,signed_date_time,signed_field_names",
	}
	fields["signature"] = s.Sign(fields)
	body, err := json.Marshal(fields)
	require.NoError(t, err)

	event, err := s.VerifyWebhook(body, http.Header{"Content-Type": {"application/json"}})
	require.NoError(t, err)
	require.Equal(t, "payment.accepted", event.Type)
	require.Equal(t, "cb_7", event.Reference)
}

func TestSignedVerifyWebhookIgnoresUnsignedOutcome(t *testing.T) {
	s := newTestSigned(t, 15*time.Minute, func() time.Time { return fixedNow })
	form, err := s.Initiate(context.Background(), InitiateRequest{OrderID: "cb_x", OriginURL: "https://shop.example", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NoError(t, s.Verify(form.Fields))

	forged := make(map[string]string, len(form.Fields)+2)
	for k, v := range form.Fields {
		forged[k] = v
	}
	forged["decision"] = "ACCEPT"
	forged["reason_code"] = "100"
	body, err := json.Marshal(forged)
	require.NoError(t, err)

	event, err := s.VerifyWebhook(body, http.Header{"Content-Type": {"application/json"}})
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Empty(t, event.Type)

	values := url.Values{}
	for k, v := range forged {
		values.Set(k, v)
	}
	_, err = s.VerifyWebhook([]byte(values.Encode()), http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignedVerifyWebhookRequiresSignedReference(t *testing.T) {
	s := newTestSigned(t, 0, nil)
	fields := map[string]string{
		"decision":             "ACCEPT",
		"reason_code":          "100",
		"signed_date_time":     fixedNow.Format(signedDateLayout),
		"signed_field_names":   "decision,reason_code,signed_date_time,signed_field_names",
		"req_reference_number": "cb_other",
	}
	fields["signature"] = s.Sign(fields)
	body, err := json.Marshal(fields)
	require.NoError(t, err)

	_, err = s.VerifyWebhook(body, http.Header{"Content-Type": {"application/json"}})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRequiresSignedTimestampWhenWindowSet(t *testing.T) {
	s := newTestSigned(t, 15*time.Minute, func() time.Time { return fixedNow })

	absent := map[string]string{
		"decision":           "ACCEPT",
		"reason_code":        "100",
		"reference_number":   "cb_1",
		"signed_field_names": "decision,reason_code,reference_number,signed_field_names",
	}
	absent["signature"] = s.Sign(absent)
	require.ErrorIs(t, s.Verify(absent), ErrInvalidSignature)

	unsigned := map[string]string{
		"decision":           "ACCEPT",
		"reason_code":        "100",
		"reference_number":   "cb_1",
		"signed_field_names": "decision,reason_code,reference_number,signed_field_names",
	}
	unsigned["signature"] = s.Sign(unsigned)
	unsigned["signed_date_time"] = fixedNow.Format(signedDateLayout)
	require.ErrorIs(t, s.Verify(unsigned), ErrInvalidSignature)

	noWindow := newTestSigned(t, 0, nil)
	absent["signature"] = noWindow.Sign(absent)
	require.NoError(t, noWindow.Verify(absent))
}

func TestManualNeverClaimsProvider(t *testing.T) {
	sess, err := Manual{}.CreateSession(context.Background(), SessionRequest{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, "manual", sess.Provider)
	require.True(t, sess.Manual)
	require.Empty(t, sess.RedirectURL)
	require.Equal(t, ManualMessage, sess.Message)
	require.True(t, strings.HasPrefix(sess.ID, "manual_"))
}

func TestMinorUnits(t *testing.T) {
	require.EqualValues(t, 1300, MinorUnits(decimal.RequireFromString("13")))
	require.EqualValues(t, 1999, MinorUnits(decimal.RequireFromString("19.99")))
	require.EqualValues(t, 1001, MinorUnits(decimal.RequireFromString("10.005")))
}

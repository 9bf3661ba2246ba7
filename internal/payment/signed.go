package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-gateway/internal/config"
)

const (
	signedDateLayout         = "2006-01-02T15:04:05Z"
	signedSessionPrefix      = "cb_"
	signedSessionPlaceholder = "{SESSION_ID}"
	defaultSignedEndpoint    = "https://testsecureacceptance.cybersource.com/pay"
)

// signedFieldNames is the ordered list of fields covered by the signature.
var signedFieldNames = []string{
	"access_key",
	"profile_id",
	"transaction_uuid",
	"signed_field_names",
	"unsigned_field_names",
	"signed_date_time",
	"locale",
	"transaction_type",
	"reference_number",
	"amount",
	"currency",
	"override_custom_receipt_page",
	"override_custom_cancel_page",
}

// ErrStaleSignature is returned when signed_date_time falls outside the accepted window.
var ErrStaleSignature = fmt.Errorf("%w: signed_date_time outside accepted window", ErrInvalidSignature)

// SignedOptions configures the signed-redirect provider.
type SignedOptions struct {
	AccessKey   string
	ProfileID   string
	SecretKey   string
	EndpointURL string
	Currency    string
	Locale      string
	// MaxAge bounds the age of signed_date_time on verification; zero disables the check.
	MaxAge  time.Duration
	Now     func() time.Time
	NewUUID func() string
}

// SignedRedirect implements Provider for a hosted payment page reached by
// posting a form of HMAC-signed fields.
type SignedRedirect struct {
	accessKey string
	profileID string
	secret    []byte
	endpoint  string
	currency  string
	locale    string
	maxAge    time.Duration
	now       func() time.Time
	newUUID   func() string
}

// InitiateRequest identifies the stored order to build a signed form for.
type InitiateRequest struct {
	OrderID   string
	OriginURL string
	Locale    string
	Amount    decimal.Decimal
}

// SignedForm is the endpoint plus the fields the browser must POST to it.
type SignedForm struct {
	EndpointURL string            `json:"endpoint_url"`
	Fields      map[string]string `json:"fields"`
}

// NewSignedRedirect validates the hex secret and returns the provider.
func NewSignedRedirect(opts SignedOptions) (*SignedRedirect, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(opts.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("payment: signed secret key must be hex: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("payment: signed secret key is empty")
	}
	s := &SignedRedirect{
		accessKey: opts.AccessKey,
		profileID: opts.ProfileID,
		secret:    secret,
		endpoint:  opts.EndpointURL,
		currency:  opts.Currency,
		locale:    opts.Locale,
		maxAge:    opts.MaxAge,
		now:       opts.Now,
		newUUID:   opts.NewUUID,
	}
	if s.endpoint == "" {
		s.endpoint = defaultSignedEndpoint
	}
	if s.currency == "" {
		s.currency = "JOD"
	}
	if s.locale == "" {
		s.locale = "ar"
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newUUID == nil {
		s.newUUID = func() string { return uuid.NewString() }
	}
	return s, nil
}

// Name implements Provider.
func (s *SignedRedirect) Name() string { return config.ProviderSigned }

// SessionPlaceholder implements Provider.
func (s *SignedRedirect) SessionPlaceholder() string { return signedSessionPlaceholder }

// Currency is the currency the payment page charges in.
func (s *SignedRedirect) Currency() string { return s.currency }

// CreateSession mints a local session id and points the browser at the
// gateway's own payment page, which later calls Initiate.
func (s *SignedRedirect) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	id := signedSessionPrefix + s.newUUID()
	return Session{
		ID:          id,
		Provider:    s.Name(),
		RedirectURL: strings.TrimRight(req.OriginURL, "/") + "/payment/capital-bank/" + id,
	}, nil
}

// Initiate builds the signed field set for an order. Every call uses a fresh
// transaction uuid and signing time.
func (s *SignedRedirect) Initiate(_ context.Context, req InitiateRequest) (SignedForm, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return SignedForm{}, errors.New("payment: order id is required")
	}
	if !req.Amount.IsPositive() {
		return SignedForm{}, errors.New("payment: amount must be positive")
	}
	origin := strings.TrimRight(req.OriginURL, "/")
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = s.locale
	}
	fields := map[string]string{
		"access_key":                   s.accessKey,
		"profile_id":                   s.profileID,
		"transaction_uuid":             s.newUUID(),
		"signed_field_names":           strings.Join(signedFieldNames, ","),
		"unsigned_field_names":         "",
		"signed_date_time":             s.now().UTC().Format(signedDateLayout),
		"locale":                       locale,
		"transaction_type":             "sale",
		"reference_number":             req.OrderID,
		"amount":                       req.Amount.StringFixed(2),
		"currency":                     s.currency,
		"override_custom_receipt_page": origin + "/payment/success?session_id=" + url.QueryEscape(req.OrderID),
		"override_custom_cancel_page":  origin + "/payment/cancel",
	}
	fields["signature"] = s.Sign(fields)
	return SignedForm{EndpointURL: s.endpoint, Fields: fields}, nil
}

// Sign returns base64(HMAC-SHA256(secret, "name=value,...")) over the fields
// listed in fields["signed_field_names"], in that order.
func (s *SignedRedirect) Sign(fields map[string]string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(dataToSign(fields)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over fields and, when a window is
// configured, requires a signed signed_date_time inside it.
func (s *SignedRedirect) Verify(fields map[string]string) error {
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(fields["signature"]))
	if err != nil || len(provided) == 0 || strings.TrimSpace(fields["signed_field_names"]) == "" {
		return fmt.Errorf("%w: missing or malformed signature", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(dataToSign(fields)))
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	if s.maxAge <= 0 {
		return nil
	}
	raw, ok := trustedFields(fields)["signed_date_time"]
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: signed_date_time is not signed", ErrInvalidSignature)
	}
	signedAt, err := time.Parse(signedDateLayout, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: bad signed_date_time", ErrInvalidSignature)
	}
	age := s.now().Sub(signedAt)
	if age > s.maxAge || age < -s.maxAge {
		return ErrStaleSignature
	}
	return nil
}

// VerifyWebhook verifies a provider reply posted as a form or as JSON. The
// event is built from signed fields only; a reply that leaves the decision,
// reason code, reference or signing time unsigned is rejected.
// An accepted payment has decision ACCEPT and reason code 100.
func (s *SignedRedirect) VerifyWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	fields, err := replyFields(payload, header.Get("Content-Type"))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if err := s.Verify(fields); err != nil {
		return WebhookEvent{}, err
	}
	trusted := trustedFields(fields)
	for _, name := range replyRequiredSigned {
		if _, ok := trusted[name]; !ok {
			return WebhookEvent{}, fmt.Errorf("%w: %s is not signed", ErrInvalidSignature, name)
		}
	}
	reference, ok := trusted["req_reference_number"]
	if !ok {
		reference, ok = trusted["reference_number"]
	}
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: reference number is not signed", ErrInvalidSignature)
	}

	decision := strings.ToUpper(strings.TrimSpace(trusted["decision"]))
	eventType := "payment.declined"
	switch {
	case decision == "ACCEPT" && strings.TrimSpace(trusted["reason_code"]) == "100":
		eventType = "payment.accepted"
	case decision == "CANCEL":
		eventType = "payment.cancelled"
	case decision == "ERROR":
		eventType = "payment.error"
	case decision == "REVIEW":
		eventType = "payment.review"
	}
	return WebhookEvent{ID: trusted["transaction_id"], Type: eventType, Reference: reference}, nil
}

// replyRequiredSigned must appear in a reply's signed_field_names.
var replyRequiredSigned = []string{"decision", "reason_code", "signed_date_time"}

// trustedFields returns the subset of fields covered by signed_field_names.
func trustedFields(fields map[string]string) map[string]string {
	names := strings.Split(fields["signed_field_names"], ",")
	out := make(map[string]string, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = fields[name]
	}
	return out
}

func dataToSign(fields map[string]string) string {
	names := strings.Split(fields["signed_field_names"], ",")
	parts := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		parts = append(parts, name+"="+fields[name])
	}
	return strings.Join(parts, ",")
}

func replyFields(payload []byte, contentType string) (map[string]string, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") || strings.Contains(contentType, "json") {
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, err
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			switch t := v.(type) {
			case string:
				out[k] = t
			case nil:
				out[k] = ""
			default:
				out[k] = fmt.Sprint(t)
			}
		}
		return out, nil
	}
	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}

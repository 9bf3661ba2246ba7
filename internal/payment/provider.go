package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrProviderUnavailable wraps every failure to reach or use the payment provider.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrProviderTimeout is additionally wrapped when the provider call ran out of time.
	ErrProviderTimeout = errors.New("payment: provider timed out")
	// ErrInvalidSignature is returned when a signed payload does not verify.
	ErrInvalidSignature = errors.New("payment: invalid signature")
	// ErrSessionNotFound is returned when the provider does not know a session id.
	ErrSessionNotFound = errors.New("payment: session not found")
)

// SessionRequest captures what a provider needs to open a payment session.
type SessionRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	OriginURL   string
	Metadata    map[string]string
}

// Session is the provider-neutral result of opening a payment session.
type Session struct {
	ID          string
	Provider    string
	RedirectURL string
	Manual      bool
	Message     string
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	// SessionPlaceholder is the token substituted with the session id in the success URL.
	SessionPlaceholder() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// WebhookEvent is the normalised result of a verified provider callback.
type WebhookEvent struct {
	ID        string
	Type      string
	Reference string
}

// WebhookVerifier checks a provider callback against its raw bytes.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, header http.Header) (WebhookEvent, error)
}

func unavailable(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %w: %w", ErrProviderUnavailable, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MinorUnits converts a decimal amount to the provider's smallest currency unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/noah-isme/checkout-gateway/internal/config"
)

// ManualMessage is shown to the payer when no online provider is active.
const ManualMessage = "Manual payment only (cash / cliq)"

// Manual records the checkout for offline settlement. It never reports a
// real provider and never returns a redirect.
type Manual struct{}

// Name implements Provider.
func (Manual) Name() string { return config.ProviderManual }

// SessionPlaceholder implements Provider.
func (Manual) SessionPlaceholder() string { return signedSessionPlaceholder }

// CreateSession implements Provider.
func (Manual) CreateSession(context.Context, SessionRequest) (Session, error) {
	return Session{
		ID:       "manual_" + uuid.NewString(),
		Provider: config.ProviderManual,
		Manual:   true,
		Message:  ManualMessage,
	}, nil
}

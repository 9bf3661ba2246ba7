package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/noah-isme/checkout-gateway/internal/config"
)

const hostedSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// HostedOptions configures the hosted-checkout provider.
type HostedOptions struct {
	APIKey        string
	WebhookSecret string
	// APIBaseURL overrides the provider API host, used by tests.
	APIBaseURL string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Hosted implements Provider on top of Stripe Checkout Sessions.
type Hosted struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// SessionStatus is the provider-side view of a checkout session.
type SessionStatus struct {
	ID            string            `json:"session_id"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewHosted builds the hosted provider. Network retries are disabled so a
// session is never created twice for one checkout.
func NewHosted(opts HostedOptions) *Hosted {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if base := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/"); base != "" {
		cfg.URL = stripe.String(base)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Hosted{
		api:           client.New(opts.APIKey, backends),
		webhookSecret: opts.WebhookSecret,
		timeout:       timeout,
	}
}

// Name implements Provider.
func (h *Hosted) Name() string { return config.ProviderHosted }

// SessionPlaceholder implements Provider.
func (h *Hosted) SessionPlaceholder() string { return hostedSessionPlaceholder }

// CreateSession opens a payment-mode checkout session with a single line item.
func (h *Hosted) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if !req.Amount.IsPositive() {
		return Session{}, errors.New("payment: amount must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = "Booking"
	}
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(MinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	sess, err := h.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, unavailable(err)
	}
	return Session{ID: sess.ID, Provider: h.Name(), RedirectURL: sess.URL}, nil
}

// GetStatus reads a checkout session back from the provider.
func (h *Hosted) GetStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	sess, err := h.api.CheckoutSessions.Get(sessionID, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return SessionStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return SessionStatus{}, unavailable(err)
	}
	return SessionStatus{
		ID:            sess.ID,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		Amount:        decimal.New(sess.AmountTotal, -2),
		Currency:      string(sess.Currency),
		Metadata:      sess.Metadata,
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header against the raw payload.
func (h *Hosted) VerifyWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	if h.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil && event.Data.Object != nil {
		if id, ok := event.Data.Object["id"].(string); ok {
			out.Reference = id
		}
	}
	return out, nil
}

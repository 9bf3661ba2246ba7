package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/core"
	"github.com/noah-isme/checkout-gateway/internal/obs"
	"github.com/noah-isme/checkout-gateway/internal/payment"
	"github.com/noah-isme/checkout-gateway/internal/pricing"
)

// Errors returned by the orchestrator; the handler maps each to an HTTP status.
var (
	ErrInvalidRequest      = errors.New("checkout: invalid request")
	ErrUnauthorized        = errors.New("checkout: unauthorized")
	ErrUpstreamUnavailable = errors.New("checkout: core service unavailable")
	ErrProviderUnavailable = errors.New("checkout: payment provider unavailable")
	ErrProviderTimeout     = errors.New("checkout: payment provider timed out")
	ErrProviderInactive    = errors.New("checkout: payment provider not active")
	ErrNotFound            = errors.New("checkout: not found")
)

const persistWarning = "payment session created but the transaction could not be recorded; keep the session id for support"

// Core is the part of the core service the orchestrator depends on.
type Core interface {
	WhoAmI(ctx context.Context, authHeader string) (core.Identity, error)
	StoreTransaction(ctx context.Context, authHeader string, tx core.Transaction) error
	GetTransaction(ctx context.Context, authHeader, id string) (core.TransactionRecord, error)
	StatusPath(sessionID string) string
}

// Pricer resolves the amount to charge for a checkout.
type Pricer interface {
	Validate(req pricing.Request) error
	Resolve(ctx context.Context, req pricing.Request, authHeader string) (pricing.Price, error)
}

// StatusReader is implemented by providers that can report a session's status.
type StatusReader interface {
	GetStatus(ctx context.Context, sessionID string) (payment.SessionStatus, error)
}

// Initiator is implemented by providers that post a signed form to a payment page.
type Initiator interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (payment.SignedForm, error)
}

// Request is the create-checkout body.
type Request struct {
	Type          string              `json:"type" validate:"required"`
	ReferenceID   common.FlexString   `json:"reference_id,omitempty"`
	ThemeID       common.FlexString   `json:"theme_id,omitempty"`
	ChildID       common.FlexString   `json:"child_id,omitempty"`
	ChildIDs      []common.FlexString `json:"child_ids,omitempty"`
	OriginURL     string              `json:"origin_url" validate:"required,url"`
	DurationHours int                 `json:"duration_hours,omitempty" validate:"gte=0"`
	CustomNotes   string              `json:"custom_notes,omitempty" validate:"max=2000"`
	SlotStartTime string              `json:"slot_start_time,omitempty"`
}

// Result is the create-checkout response.
type Result struct {
	RedirectURL string      `json:"redirect_url"`
	SessionID   string      `json:"session_id"`
	Provider    string      `json:"provider"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Manual      bool        `json:"manual,omitempty"`
	Message     string      `json:"message,omitempty"`
	Warning     string      `json:"warning,omitempty"`
}

// InitiateRequest is the body of the signed-redirect initiate call.
type InitiateRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	OriginURL string `json:"origin_url" validate:"required,url"`
	Locale    string `json:"locale,omitempty" validate:"max=10"`
}

// Options configures an Orchestrator.
type Options struct {
	Core     Core
	Pricer   Pricer
	Provider payment.Provider
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Orchestrator runs a checkout end to end: identity, price, provider
// session, then a single write-back of the transaction.
type Orchestrator struct {
	core     Core
	pricer   Pricer
	provider payment.Provider
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewOrchestrator wires an orchestrator. A nil provider means manual settlement.
func NewOrchestrator(opts Options) *Orchestrator {
	provider := opts.Provider
	if provider == nil {
		provider = payment.Manual{}
	}
	v := opts.Validate
	if v == nil {
		v = NewValidator()
	}
	return &Orchestrator{
		core:     opts.Core,
		pricer:   opts.Pricer,
		provider: provider,
		validate: v,
		logger:   opts.Logger,
	}
}

// Provider reports the active provider name.
func (o *Orchestrator) Provider() string { return o.provider.Name() }

// CreateCheckout validates req, authenticates the caller, prices the booking
// and opens a payment session.
func (o *Orchestrator) CreateCheckout(ctx context.Context, req Request, authHeader string) (Result, error) {
	ctx, span := otel.Tracer("checkout.Orchestrator").Start(ctx, "Orchestrator.CreateCheckout")
	defer span.End()

	providerName := o.provider.Name()
	checkoutType := strings.ToLower(strings.TrimSpace(req.Type))
	result := "error"
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.String("checkout.provider", providerName),
			attribute.String("checkout.type", checkoutType),
			attribute.String("checkout.result", result),
			attribute.Float64("checkout.duration_ms", obs.DurationMillis(time.Since(start))),
		)
		typeLabel := checkoutType
		if result == "invalid" {
			// caller-supplied types stay out of metric labels
			typeLabel = "unknown"
		}
		obs.IncCheckout(providerName, typeLabel, result)
	}()

	req.Type = checkoutType
	priceReq, err := o.validateRequest(req)
	if err != nil {
		result = "invalid"
		return Result{}, err
	}

	identity, err := o.core.WhoAmI(ctx, authHeader)
	if err != nil {
		result = "unauthorized"
		if errors.Is(err, core.ErrUnauthorized) {
			return Result{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		result = "upstream_unavailable"
		span.RecordError(err)
		return Result{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	span.SetAttributes(attribute.String("checkout.user_id", identity.ID))

	price, err := o.pricer.Resolve(ctx, priceReq, authHeader)
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			result = "unauthorized"
			return Result{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		span.RecordError(err)
		return Result{}, err
	}

	origin := strings.TrimRight(req.OriginURL, "/")
	currency := price.Currency
	if cp, ok := o.provider.(interface{ Currency() string }); ok && cp.Currency() != "" {
		currency = cp.Currency()
	}
	metadata := buildMetadata(req, identity.ID)
	session, err := o.provider.CreateSession(ctx, payment.SessionRequest{
		Amount:      price.Amount,
		Currency:    currency,
		Description: describe(checkoutType),
		SuccessURL:  origin + "/payment/success?session_id=" + o.provider.SessionPlaceholder(),
		CancelURL:   origin + "/payment/cancel",
		OriginURL:   origin,
		Metadata:    metadata,
	})
	if err != nil {
		result = "provider_unavailable"
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider session failed")
		o.logger.Error().Err(err).Str("provider", providerName).Str("type", checkoutType).Msg("payment session creation failed")
		if errors.Is(err, payment.ErrProviderTimeout) {
			return Result{}, fmt.Errorf("%w: %w", ErrProviderTimeout, err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	providerName = session.Provider
	span.SetAttributes(attribute.String("checkout.session_id", session.ID))

	out := Result{
		RedirectURL: session.RedirectURL,
		SessionID:   session.ID,
		Provider:    session.Provider,
		Amount:      json.Number(price.Amount.StringFixed(2)),
		Currency:    currency,
		Manual:      session.Manual,
		Message:     session.Message,
	}

	err = o.core.StoreTransaction(ctx, authHeader, core.Transaction{
		SessionID:   session.ID,
		UserID:      identity.ID,
		Amount:      price.Amount,
		Currency:    currency,
		Type:        checkoutType,
		ReferenceID: string(req.ReferenceID),
		Provider:    session.Provider,
		Status:      "pending",
		Metadata:    metadata,
	})
	if err != nil {
		obs.IncPersistFailure()
		o.logger.Warn().Err(err).
			Str("session_id", session.ID).
			Str("provider", session.Provider).
			Str("type", checkoutType).
			Msg("transaction write-back failed")
		out.Warning = persistWarning
		result = "persist_failed"
		return out, nil
	}

	o.logger.Info().
		Str("session_id", session.ID).
		Str("provider", session.Provider).
		Str("type", checkoutType).
		Str("amount", out.Amount.String()).
		Str("price_source", price.Provenance).
		Msg("checkout session created")
	result = "success"
	return out, nil
}

// Status reads a session's status from the active provider. handled is false
// when the provider keeps no status and the core service should answer.
// A session created for another user reads as ErrNotFound.
func (o *Orchestrator) Status(ctx context.Context, sessionID, authHeader string) (status payment.SessionStatus, handled bool, err error) {
	reader, ok := o.provider.(StatusReader)
	if !ok {
		return payment.SessionStatus{}, false, nil
	}
	identity, err := o.core.WhoAmI(ctx, authHeader)
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			return payment.SessionStatus{}, true, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return payment.SessionStatus{}, true, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	status, err = reader.GetStatus(ctx, sessionID)
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		return payment.SessionStatus{}, true, fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, payment.ErrProviderTimeout):
		return payment.SessionStatus{}, true, fmt.Errorf("%w: %w", ErrProviderTimeout, err)
	case err != nil:
		return payment.SessionStatus{}, true, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	// Sessions of other users read as missing.
	if status.Metadata["user_id"] != identity.ID {
		return payment.SessionStatus{}, true, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return status, true, nil
}

// StatusPath is the core path that answers status reads for local providers.
func (o *Orchestrator) StatusPath(sessionID string) string {
	return o.core.StatusPath(sessionID)
}

// Initiate builds the signed payment form for a stored order. The amount is
// always taken from the stored transaction, never from the caller.
func (o *Orchestrator) Initiate(ctx context.Context, providerName string, req InitiateRequest, authHeader string) (payment.SignedForm, error) {
	ctx, span := otel.Tracer("checkout.Orchestrator").Start(ctx, "Orchestrator.Initiate")
	defer span.End()

	result := "error"
	defer func() { obs.IncSignedInitiate(result) }()

	if err := o.validate.Struct(req); err != nil {
		result = "invalid"
		return payment.SignedForm{}, fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	initiator, ok := o.provider.(Initiator)
	if !ok || config.NormalizeProvider(providerName) != o.provider.Name() {
		result = "inactive"
		return payment.SignedForm{}, fmt.Errorf("%w: %s", ErrProviderInactive, providerName)
	}
	if _, err := o.core.WhoAmI(ctx, authHeader); err != nil {
		result = "unauthorized"
		if errors.Is(err, core.ErrUnauthorized) {
			return payment.SignedForm{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return payment.SignedForm{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	record, err := o.core.GetTransaction(ctx, authHeader, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			result = "not_found"
			return payment.SignedForm{}, fmt.Errorf("%w: order %s", ErrNotFound, req.OrderID)
		case errors.Is(err, core.ErrUnauthorized):
			result = "unauthorized"
			return payment.SignedForm{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		default:
			span.RecordError(err)
			return payment.SignedForm{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
	}
	span.SetAttributes(attribute.String("checkout.session_id", req.OrderID))
	form, err := initiator.Initiate(ctx, payment.InitiateRequest{
		OrderID:   req.OrderID,
		OriginURL: req.OriginURL,
		Locale:    req.Locale,
		Amount:    record.Amount,
	})
	if err != nil {
		return payment.SignedForm{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	result = "success"
	return form, nil
}

func (o *Orchestrator) validateRequest(req Request) (pricing.Request, error) {
	if err := o.validate.Struct(req); err != nil {
		return pricing.Request{}, fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	priceReq := pricing.Request{
		Type:          req.Type,
		ReferenceID:   strings.TrimSpace(string(req.ReferenceID)),
		ThemeID:       strings.TrimSpace(string(req.ThemeID)),
		DurationHours: req.DurationHours,
	}
	if err := o.pricer.Validate(priceReq); err != nil {
		return pricing.Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return priceReq, nil
}

// Children returns the canonical child id list: child_ids, with a lone
// child_id folded in.
func (r Request) Children() []string {
	out := make([]string, 0, len(r.ChildIDs)+1)
	seen := make(map[string]struct{}, len(r.ChildIDs)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(string(r.ChildID))
	for _, id := range r.ChildIDs {
		add(string(id))
	}
	return out
}

func buildMetadata(req Request, userID string) map[string]string {
	md := map[string]string{
		"type":    req.Type,
		"user_id": userID,
	}
	if ref := strings.TrimSpace(string(req.ReferenceID)); ref != "" {
		if req.Type == pricing.TypeSubscription {
			md["plan_id"] = ref
		} else {
			md["slot_id"] = ref
		}
	}
	if theme := strings.TrimSpace(string(req.ThemeID)); theme != "" {
		md["theme_id"] = theme
	}
	if children := req.Children(); len(children) > 0 {
		encoded, _ := json.Marshal(children)
		md["child_ids"] = string(encoded)
		if len(children) == 1 {
			md["child_id"] = children[0]
		}
	}
	if req.DurationHours > 0 {
		md["duration_hours"] = strconv.Itoa(req.DurationHours)
	}
	if notes := strings.TrimSpace(req.CustomNotes); notes != "" {
		md["custom_notes"] = notes
	}
	if slot := strings.TrimSpace(req.SlotStartTime); slot != "" {
		md["slot_start_time"] = slot
	}
	return md
}

func describe(checkoutType string) string {
	switch checkoutType {
	case pricing.TypeHourly:
		return "Hourly play session"
	case pricing.TypeBirthday:
		return "Birthday party"
	case pricing.TypeSubscription:
		return "Subscription"
	case "":
		return "Booking"
	default:
		return strings.ToUpper(checkoutType[:1]) + checkoutType[1:] + " booking"
	}
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

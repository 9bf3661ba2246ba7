package checkout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/core"
	"github.com/noah-isme/checkout-gateway/internal/payment"
	"github.com/noah-isme/checkout-gateway/internal/pricing"
)

type fakeCore struct {
	identity  core.Identity
	whoErr    error
	storeErr  error
	stored    []core.Transaction
	record    core.TransactionRecord
	recordErr error
	whoCalls  int
}

func (f *fakeCore) WhoAmI(context.Context, string) (core.Identity, error) {
	f.whoCalls++
	return f.identity, f.whoErr
}

func (f *fakeCore) StoreTransaction(_ context.Context, _ string, tx core.Transaction) error {
	f.stored = append(f.stored, tx)
	return f.storeErr
}

func (f *fakeCore) GetTransaction(context.Context, string, string) (core.TransactionRecord, error) {
	return f.record, f.recordErr
}

func (f *fakeCore) StatusPath(id string) string { return "/api/payments/status/" + id }

type fakeProvider struct {
	name    string
	calls   int
	lastReq payment.SessionRequest
	err     error
}

func (p *fakeProvider) Name() string               { return p.name }
func (p *fakeProvider) SessionPlaceholder() string { return "{CHECKOUT_SESSION_ID}" }

func (p *fakeProvider) CreateSession(_ context.Context, req payment.SessionRequest) (payment.Session, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return payment.Session{}, p.err
	}
	return payment.Session{ID: "cs_test_1", Provider: p.name, RedirectURL: "https://pay.example/cs_test_1"}, nil
}

type priceSource struct{ err error }

func (s priceSource) HourlyPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(12), s.err
}

func (s priceSource) HourlyTable(context.Context, string) (core.HourlyTable, error) {
	return core.HourlyTable{
		Prices:    map[int]decimal.Decimal{1: decimal.NewFromInt(7), 2: decimal.NewFromInt(10), 3: decimal.NewFromInt(13)},
		ExtraHour: decimal.NewFromInt(3),
	}, s.err
}

func (s priceSource) ThemePrice(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(150), s.err
}

func (s priceSource) PlanPrice(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(60), s.err
}

func newTestResolver(src pricing.Source) *pricing.Resolver {
	return pricing.NewResolver(pricing.Options{
		Source:   src,
		Currency: "usd",
		Timeout:  time.Second,
		Fallbacks: config.PricingConfig{
			HourlyFallback:       decimal.NewFromInt(10),
			HourlyTableFallback:  map[int]decimal.Decimal{1: decimal.NewFromInt(7)},
			HourlyExtraFallback:  decimal.NewFromInt(3),
			BirthdayFallback:     decimal.NewFromInt(100),
			SubscriptionFallback: decimal.NewFromInt(50),
			Default:              decimal.NewFromInt(10),
		},
		Logger: zerolog.Nop(),
	})
}

func newTestOrchestrator(c *fakeCore, p payment.Provider, src pricing.Source) *Orchestrator {
	return NewOrchestrator(Options{Core: c, Pricer: newTestResolver(src), Provider: p, Logger: zerolog.Nop()})
}

func TestCreateCheckoutHappyPath(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "42"}}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{})

	out, err := o.CreateCheckout(context.Background(), Request{
		Type:          "Hourly",
		ReferenceID:   "slot-9",
		OriginURL:     "https://shop.example/",
		DurationHours: 4,
		ChildID:       "7",
	}, "Bearer good")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", out.SessionID)
	require.Equal(t, "provider_a", out.Provider)
	require.Equal(t, "https://pay.example/cs_test_1", out.RedirectURL)
	require.Equal(t, "16.00", out.Amount.String())
	require.Equal(t, "usd", out.Currency)
	require.Empty(t, out.Warning)

	require.Equal(t, 1, p.calls)
	require.Equal(t, "https://shop.example/payment/success?session_id={CHECKOUT_SESSION_ID}", p.lastReq.SuccessURL)
	require.Equal(t, "https://shop.example/payment/cancel", p.lastReq.CancelURL)

	require.Len(t, c.stored, 1)
	tx := c.stored[0]
	require.Equal(t, "cs_test_1", tx.SessionID)
	require.Equal(t, "42", tx.UserID)
	require.Equal(t, "pending", tx.Status)
	require.True(t, tx.Amount.Equal(decimal.NewFromInt(16)))
	require.Equal(t, map[string]string{
		"type":           "hourly",
		"user_id":        "42",
		"slot_id":        "slot-9",
		"child_id":       "7",
		"child_ids":      `["7"]`,
		"duration_hours": "4",
	}, tx.Metadata)
}

func TestCreateCheckoutUnauthorizedMakesNoProviderCall(t *testing.T) {
	c := &fakeCore{whoErr: fmt.Errorf("%w: status 401", core.ErrUnauthorized)}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{})

	_, err := o.CreateCheckout(context.Background(), Request{Type: "birthday", ThemeID: "space", OriginURL: "https://shop.example"}, "Bearer bad")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, p.calls)
	require.Empty(t, c.stored)
}

func TestCreateCheckoutCoreDownIsUpstreamUnavailable(t *testing.T) {
	c := &fakeCore{whoErr: fmt.Errorf("%w: dial tcp", core.ErrUnavailable)}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{})

	_, err := o.CreateCheckout(context.Background(), Request{Type: "hourly", OriginURL: "https://shop.example"}, "Bearer t")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Zero(t, p.calls)
}

func TestCreateCheckoutPricingUnauthorizedPropagates(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "1"}}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{err: core.ErrUnauthorized})

	_, err := o.CreateCheckout(context.Background(), Request{Type: "subscription", ReferenceID: "gold", OriginURL: "https://shop.example"}, "Bearer t")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, p.calls)
}

func TestCreateCheckoutValidation(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "1"}}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{})
	ctx := context.Background()

	cases := []Request{
		{Type: "lottery", OriginURL: "https://shop.example"},
		{Type: "birthday", OriginURL: "https://shop.example"},
		{Type: "subscription", OriginURL: "https://shop.example"},
		{Type: "hourly", OriginURL: "not a url"},
		{Type: "", OriginURL: "https://shop.example"},
		{Type: "hourly", OriginURL: "https://shop.example", DurationHours: -1},
	}
	for _, req := range cases {
		_, err := o.CreateCheckout(ctx, req, "Bearer t")
		require.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
	require.Zero(t, c.whoCalls)
	require.Zero(t, p.calls)
}

func TestCreateCheckoutPersistenceFailureWarns(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "9"}, storeErr: &core.StatusError{Path: "/api/payments/store-transaction", Status: 500}}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{})

	out, err := o.CreateCheckout(context.Background(), Request{Type: "birthday", ThemeID: "space", OriginURL: "https://shop.example"}, "Bearer t")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", out.SessionID)
	require.NotEmpty(t, out.Warning)
	require.Len(t, c.stored, 1)
}

func TestCreateCheckoutProviderFailures(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "9"}}
	p := &fakeProvider{name: "provider_a", err: fmt.Errorf("%w: %w", payment.ErrProviderUnavailable, errors.New("connection refused"))}
	o := newTestOrchestrator(c, p, priceSource{})
	req := Request{Type: "hourly", OriginURL: "https://shop.example"}

	_, err := o.CreateCheckout(context.Background(), req, "Bearer t")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotErrorIs(t, err, ErrProviderTimeout)
	require.Empty(t, c.stored)

	p.err = fmt.Errorf("%w: %w", payment.ErrProviderUnavailable, payment.ErrProviderTimeout)
	_, err = o.CreateCheckout(context.Background(), req, "Bearer t")
	require.ErrorIs(t, err, ErrProviderTimeout)
}

func TestCreateCheckoutManualNeverClaimsProvider(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "3"}}
	o := newTestOrchestrator(c, nil, priceSource{})

	out, err := o.CreateCheckout(context.Background(), Request{Type: "hourly", OriginURL: "https://shop.example"}, "Bearer t")
	require.NoError(t, err)
	require.Equal(t, "manual", out.Provider)
	require.True(t, out.Manual)
	require.Equal(t, payment.ManualMessage, out.Message)
	require.Empty(t, out.RedirectURL)
	require.Equal(t, "12.00", out.Amount.String())
	require.Equal(t, "manual", c.stored[0].Provider)
}

func TestCreateCheckoutFallsBackWhenPricingFails(t *testing.T) {
	c := &fakeCore{identity: core.Identity{ID: "3"}}
	p := &fakeProvider{name: "provider_a"}
	o := newTestOrchestrator(c, p, priceSource{err: core.ErrUnavailable})

	out, err := o.CreateCheckout(context.Background(), Request{Type: "subscription", ReferenceID: "7", OriginURL: "https://shop.example"}, "Bearer t")
	require.NoError(t, err)
	require.Equal(t, "50.00", out.Amount.String())
	require.Equal(t, "7", c.stored[0].Metadata["plan_id"])
}

func TestChildrenNormalisation(t *testing.T) {
	req := Request{ChildID: "1", ChildIDs: []common.FlexString{"1", " 2 ", ""}}
	require.Equal(t, []string{"1", "2"}, req.Children())

	md := buildMetadata(Request{Type: "birthday", ChildIDs: []common.FlexString{"4", "5"}}, "u")
	require.Equal(t, `["4","5"]`, md["child_ids"])
	require.NotContains(t, md, "child_id")

	md = buildMetadata(Request{Type: "hourly"}, "u")
	require.NotContains(t, md, "child_ids")
	require.NotContains(t, md, "slot_id")
}

func TestStatusRequiresReaderProvider(t *testing.T) {
	o := newTestOrchestrator(&fakeCore{}, &fakeProvider{name: "provider_b"}, priceSource{})
	_, handled, err := o.Status(context.Background(), "cb_1", "Bearer t")
	require.NoError(t, err)
	require.False(t, handled)
	require.Equal(t, "/api/payments/status/cb_1", o.StatusPath("cb_1"))
}

func TestInitiate(t *testing.T) {
	signed, err := payment.NewSignedRedirect(payment.SignedOptions{AccessKey: "ak", ProfileID: "pf", SecretKey: "0a0b0c0d"})
	require.NoError(t, err)
	c := &fakeCore{identity: core.Identity{ID: "3"}, record: core.TransactionRecord{SessionID: "cb_1", Amount: decimal.RequireFromString("13")}}
	o := newTestOrchestrator(c, signed, priceSource{})
	req := InitiateRequest{OrderID: "cb_1", OriginURL: "https://shop.example"}

	form, err := o.Initiate(context.Background(), "capital_bank", req, "Bearer t")
	require.NoError(t, err)
	require.Equal(t, "13.00", form.Fields["amount"])
	require.Equal(t, "cb_1", form.Fields["reference_number"])
	require.NoError(t, signed.Verify(form.Fields))

	_, err = o.Initiate(context.Background(), "stripe", req, "Bearer t")
	require.ErrorIs(t, err, ErrProviderInactive)

	c.recordErr = fmt.Errorf("%w: missing", core.ErrNotFound)
	_, err = o.Initiate(context.Background(), "provider_b", req, "Bearer t")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = o.Initiate(context.Background(), "provider_b", InitiateRequest{OriginURL: "https://shop.example"}, "Bearer t")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitiateInactiveWhenProviderIsHosted(t *testing.T) {
	o := newTestOrchestrator(&fakeCore{identity: core.Identity{ID: "1"}}, &fakeProvider{name: "provider_a"}, priceSource{})
	_, err := o.Initiate(context.Background(), "provider_b", InitiateRequest{OrderID: "cb_1", OriginURL: "https://shop.example"}, "Bearer t")
	require.ErrorIs(t, err, ErrProviderInactive)
}

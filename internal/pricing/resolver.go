package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/core"
	"github.com/noah-isme/checkout-gateway/internal/obs"
)

// Checkout types with a dedicated pricing rule.
const (
	TypeHourly       = "hourly"
	TypeBirthday     = "birthday"
	TypeSubscription = "subscription"
)

var (
	// ErrUnknownType is returned for a type with no registered rule.
	ErrUnknownType = errors.New("pricing: unknown checkout type")
	// ErrMissingReference is returned when a rule's required identifier is absent.
	ErrMissingReference = errors.New("pricing: missing reference")
	// ErrPriceResolution is returned when neither a source nor the fallback yields a price.
	ErrPriceResolution = errors.New("pricing: price unavailable")
)

// Source is the part of the core service the resolver reads prices from.
type Source interface {
	HourlyPrice(ctx context.Context, authHeader string) (decimal.Decimal, error)
	HourlyTable(ctx context.Context, authHeader string) (core.HourlyTable, error)
	ThemePrice(ctx context.Context, authHeader, themeID string) (decimal.Decimal, error)
	PlanPrice(ctx context.Context, authHeader, planID string) (decimal.Decimal, error)
}

// Request carries the request fields that influence pricing.
type Request struct {
	Type          string
	ReferenceID   string
	ThemeID       string
	DurationHours int
}

// Price is a resolved amount with the name of the source that produced it.
type Price struct {
	Amount     decimal.Decimal
	Currency   string
	Provenance string
}

// Lookup is one upstream price source tried by a Rule.
type Lookup struct {
	Name    string
	Applies func(Request) bool
	Fetch   func(ctx context.Context, src Source, authHeader string, req Request) (decimal.Decimal, error)
}

// Rule is the ordered pricing strategy for one checkout type: lookups are
// tried in order and the fallback is used only when all of them fail.
type Rule struct {
	Validate func(Request) error
	Lookups  []Lookup
	Fallback func(Request) (decimal.Decimal, string)
}

// Resolver maps checkout types to pricing rules.
type Resolver struct {
	source   Source
	timeout  time.Duration
	currency string
	rules    map[string]Rule
	logger   zerolog.Logger
}

// Options configures a Resolver.
type Options struct {
	Source    Source
	Timeout   time.Duration
	Currency  string
	Fallbacks config.PricingConfig
	Logger    zerolog.Logger
}

// NewResolver builds the resolver with the hourly, birthday and subscription
// rules plus a default-priced rule for every configured extra type.
func NewResolver(opts Options) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Resolver{
		source:   opts.Source,
		timeout:  timeout,
		currency: opts.Currency,
		rules:    make(map[string]Rule),
		logger:   opts.Logger,
	}
	fb := opts.Fallbacks
	r.Register(TypeHourly, Rule{
		Lookups: []Lookup{
			{
				Name:    "core:hourly-pricing",
				Applies: func(req Request) bool { return req.DurationHours > 0 },
				Fetch: func(ctx context.Context, src Source, auth string, req Request) (decimal.Decimal, error) {
					table, err := src.HourlyTable(ctx, auth)
					if err != nil {
						return decimal.Zero, err
					}
					return HourlyAmount(table.Prices, table.ExtraHour, req.DurationHours)
				},
			},
			{
				Name:    "core:settings",
				Applies: func(req Request) bool { return req.DurationHours <= 0 },
				Fetch: func(ctx context.Context, src Source, auth string, _ Request) (decimal.Decimal, error) {
					return src.HourlyPrice(ctx, auth)
				},
			},
		},
		Fallback: func(req Request) (decimal.Decimal, string) {
			if req.DurationHours > 0 {
				amount, _ := HourlyAmount(fb.HourlyTableFallback, fb.HourlyExtraFallback, req.DurationHours)
				return amount, "fallback:hourly-table"
			}
			return fb.HourlyFallback, "fallback:hourly"
		},
	})
	r.Register(TypeBirthday, Rule{
		Validate: func(req Request) error {
			if strings.TrimSpace(req.ThemeID) == "" {
				return fmt.Errorf("%w: theme_id is required for birthday checkout", ErrMissingReference)
			}
			return nil
		},
		Lookups: []Lookup{{
			Name: "core:theme",
			Fetch: func(ctx context.Context, src Source, auth string, req Request) (decimal.Decimal, error) {
				return src.ThemePrice(ctx, auth, req.ThemeID)
			},
		}},
		Fallback: constant(fb.BirthdayFallback, "fallback:birthday"),
	})
	r.Register(TypeSubscription, Rule{
		Validate: func(req Request) error {
			if strings.TrimSpace(req.ReferenceID) == "" {
				return fmt.Errorf("%w: reference_id (plan) is required for subscription checkout", ErrMissingReference)
			}
			return nil
		},
		Lookups: []Lookup{{
			Name: "core:plan",
			Fetch: func(ctx context.Context, src Source, auth string, req Request) (decimal.Decimal, error) {
				return src.PlanPrice(ctx, auth, req.ReferenceID)
			},
		}},
		Fallback: constant(fb.SubscriptionFallback, "fallback:subscription"),
	})
	for _, extra := range fb.ExtraTypes {
		name := strings.ToLower(strings.TrimSpace(extra))
		if _, exists := r.rules[name]; exists || name == "" {
			continue
		}
		r.Register(name, Rule{Fallback: constant(fb.Default, "default")})
	}
	return r
}

// Register installs or replaces the rule for a checkout type.
func (r *Resolver) Register(checkoutType string, rule Rule) {
	r.rules[checkoutType] = rule
}

// Types lists the supported checkout types in sorted order.
func (r *Resolver) Types() []string {
	out := make([]string, 0, len(r.rules))
	for t := range r.rules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks that req names a known type and carries the identifiers its rule needs.
func (r *Resolver) Validate(req Request) error {
	rule, ok := r.rules[req.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	if rule.Validate != nil {
		return rule.Validate(req)
	}
	return nil
}

// Resolve determines the price for req. Lookup failures degrade to the rule's
// fallback, except core.ErrUnauthorized which is always returned.
func (r *Resolver) Resolve(ctx context.Context, req Request, authHeader string) (Price, error) {
	if err := r.Validate(req); err != nil {
		return Price{}, err
	}
	rule := r.rules[req.Type]
	for _, lookup := range rule.Lookups {
		if lookup.Applies != nil && !lookup.Applies(req) {
			continue
		}
		amount, err := r.fetch(ctx, lookup, authHeader, req)
		if err == nil && amount.IsPositive() {
			return Price{Amount: amount, Currency: r.currency, Provenance: lookup.Name}, nil
		}
		if errors.Is(err, core.ErrUnauthorized) {
			return Price{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Price{}, ctxErr
		}
		evt := r.logger.Warn().Str("type", req.Type).Str("source", lookup.Name)
		if err != nil {
			evt = evt.Err(err)
		} else {
			evt = evt.Str("amount", amount.String())
		}
		evt.Msg("price lookup failed, trying next source")
	}
	if rule.Fallback == nil {
		return Price{}, fmt.Errorf("%w: no fallback for %q", ErrPriceResolution, req.Type)
	}
	amount, provenance := rule.Fallback(req)
	if !amount.IsPositive() {
		return Price{}, fmt.Errorf("%w: fallback for %q is not configured", ErrPriceResolution, req.Type)
	}
	if len(rule.Lookups) > 0 {
		obs.IncPricingFallback(req.Type)
	}
	return Price{Amount: amount, Currency: r.currency, Provenance: provenance}, nil
}

func (r *Resolver) fetch(ctx context.Context, lookup Lookup, authHeader string, req Request) (decimal.Decimal, error) {
	if r.source == nil {
		return decimal.Zero, errors.New("pricing: no source configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return lookup.Fetch(ctx, r.source, authHeader, req)
}

// HourlyAmount prices a booking of hours using a duration table: hours present
// in the table are priced directly, longer bookings add extra per hour beyond
// the table's longest entry.
func HourlyAmount(table map[int]decimal.Decimal, extra decimal.Decimal, hours int) (decimal.Decimal, error) {
	if hours <= 0 {
		return decimal.Zero, fmt.Errorf("%w: duration must be positive", ErrPriceResolution)
	}
	if price, ok := table[hours]; ok {
		return price, nil
	}
	longest := 0
	for h := range table {
		if h > longest {
			longest = h
		}
	}
	if longest == 0 || hours < longest {
		return decimal.Zero, fmt.Errorf("%w: no table entry for %d hours", ErrPriceResolution, hours)
	}
	return table[longest].Add(extra.Mul(decimal.NewFromInt(int64(hours - longest)))), nil
}

func constant(amount decimal.Decimal, provenance string) func(Request) (decimal.Decimal, string) {
	return func(Request) (decimal.Decimal, string) { return amount, provenance }
}

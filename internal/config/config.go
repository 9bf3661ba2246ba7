package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Provider identifiers accepted by PAYMENT_PROVIDER after alias resolution.
const (
	ProviderHosted = "provider_a"
	ProviderSigned = "provider_b"
	ProviderManual = "manual"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	ServiceName        string
	APIPrefix          string
	RedisURL           string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64

	Core    CoreConfig
	Pricing PricingConfig
	Payment PaymentConfig
	Hosted  HostedConfig
	Signed  SignedConfig

	LookupTimeout   time.Duration
	ProviderTimeout time.Duration
	ProxyTimeout    time.Duration

	WebhookReplayTTL   time.Duration
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
}

// CoreConfig describes the core service and the paths consumed from it.
type CoreConfig struct {
	BaseURL         string
	WhoAmIPath      string
	SettingsPath    string
	HourlyPricePath string
	ThemePath       string
	PlanPath        string
	StoreTxPath     string
	TransactionPath string
	StatusPath      string
	HealthPath      string
}

// PricingConfig carries the documented fallback prices.
type PricingConfig struct {
	HourlyFallback       decimal.Decimal
	HourlyTableFallback  map[int]decimal.Decimal
	HourlyExtraFallback  decimal.Decimal
	BirthdayFallback     decimal.Decimal
	SubscriptionFallback decimal.Decimal
	Default              decimal.Decimal
	ExtraTypes           []string
}

// PaymentConfig selects the active payment provider.
type PaymentConfig struct {
	Provider string
	Currency string
}

// HostedConfig configures the hosted-checkout provider.
type HostedConfig struct {
	APIKey        string
	WebhookSecret string
	APIBaseURL    string
}

// SignedConfig configures the signed-redirect provider.
type SignedConfig struct {
	AccessKey   string
	ProfileID   string
	SecretKey   string
	EndpointURL string
	Currency    string
	Locale      string
	ReplyMaxAge time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8001"),
		ServiceName:        valueOrDefault(k.String("SERVICE_NAME"), "checkout-gateway"),
		APIPrefix:          normalizePrefix(valueOrDefault(k.String("API_PREFIX"), "/api")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     parseInt64(k.String("BODY_LIMIT_BYTES"), 1<<20),
		Core: CoreConfig{
			BaseURL:         strings.TrimRight(valueOrDefault(k.String("CORE_BASE_URL"), "http://localhost:8002"), "/"),
			WhoAmIPath:      valueOrDefault(k.String("CORE_WHOAMI_PATH"), "/api/auth/me"),
			SettingsPath:    valueOrDefault(k.String("CORE_SETTINGS_PATH"), "/api/admin/settings"),
			HourlyPricePath: valueOrDefault(k.String("CORE_HOURLY_PRICING_PATH"), "/api/payments/hourly-pricing"),
			ThemePath:       valueOrDefault(k.String("CORE_THEME_PATH"), "/api/themes/{id}"),
			PlanPath:        valueOrDefault(k.String("CORE_PLAN_PATH"), "/api/subscriptions/plans/{id}"),
			StoreTxPath:     valueOrDefault(k.String("CORE_STORE_TRANSACTION_PATH"), "/api/payments/store-transaction"),
			TransactionPath: valueOrDefault(k.String("CORE_TRANSACTION_PATH"), "/api/payments/transactions/{id}"),
			StatusPath:      valueOrDefault(k.String("CORE_STATUS_PATH"), "/api/payments/status/{id}"),
			HealthPath:      valueOrDefault(k.String("CORE_HEALTH_PATH"), "/api/health"),
		},
		Pricing: PricingConfig{
			HourlyFallback:       parseDecimal(k.String("PRICE_HOURLY_FALLBACK"), "10"),
			HourlyTableFallback:  parsePriceTable(k.String("HOURLY_TABLE_FALLBACK"), "1:7,2:10,3:13"),
			HourlyExtraFallback:  parseDecimal(k.String("HOURLY_EXTRA_FALLBACK"), "3"),
			BirthdayFallback:     parseDecimal(k.String("PRICE_BIRTHDAY_FALLBACK"), "100"),
			SubscriptionFallback: parseDecimal(k.String("PRICE_SUBSCRIPTION_FALLBACK"), "50"),
			Default:              parseDecimal(k.String("PRICE_DEFAULT"), "10"),
			ExtraTypes:           splitAndTrim(k.String("CHECKOUT_EXTRA_TYPES")),
		},
		Payment: PaymentConfig{
			Provider: NormalizeProvider(k.String("PAYMENT_PROVIDER")),
			Currency: strings.ToLower(valueOrDefault(k.String("CURRENCY"), "usd")),
		},
		Hosted: HostedConfig{
			APIKey:        strings.TrimSpace(k.String("STRIPE_API_KEY")),
			WebhookSecret: strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
			APIBaseURL:    strings.TrimSpace(k.String("STRIPE_API_BASE_URL")),
		},
		Signed: SignedConfig{
			AccessKey:   strings.TrimSpace(k.String("SIGNED_ACCESS_KEY")),
			ProfileID:   strings.TrimSpace(k.String("SIGNED_PROFILE_ID")),
			SecretKey:   strings.TrimSpace(k.String("SIGNED_SECRET_KEY")),
			EndpointURL: valueOrDefault(k.String("SIGNED_ENDPOINT_URL"), "https://testsecureacceptance.cybersource.com/pay"),
			Currency:    strings.ToUpper(valueOrDefault(k.String("SIGNED_CURRENCY"), "JOD")),
			Locale:      valueOrDefault(k.String("SIGNED_LOCALE"), "ar"),
			ReplyMaxAge: parseDuration(k.String("SIGNED_REPLY_MAX_AGE"), "15m"),
		},
		LookupTimeout:      parseDuration(k.String("LOOKUP_TIMEOUT"), "10s"),
		ProviderTimeout:    parseDuration(k.String("PROVIDER_TIMEOUT"), "30s"),
		ProxyTimeout:       parseDuration(k.String("PROXY_TIMEOUT"), "30s"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		CheckoutRateLimit:  int(parseInt64(k.String("CHECKOUT_RATE_LIMIT"), 30)),
		CheckoutRateWindow: parseDuration(k.String("CHECKOUT_RATE_WINDOW"), "1m"),
	}

	if cfg.Payment.Provider == "" {
		return nil, fmt.Errorf("unsupported PAYMENT_PROVIDER %q", k.String("PAYMENT_PROVIDER"))
	}
	if u, err := url.Parse(cfg.Core.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("CORE_BASE_URL must be an absolute URL")
	}
	if cfg.Payment.Provider == ProviderSigned && cfg.Signed.SecretKey != "" {
		if _, err := hex.DecodeString(cfg.Signed.SecretKey); err != nil {
			return nil, errors.New("SIGNED_SECRET_KEY must be hex encoded")
		}
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8001"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// HostedConfigured reports whether the hosted-checkout credentials are present.
func (c *Config) HostedConfigured() bool {
	return c.Hosted.APIKey != ""
}

// SignedConfigured reports whether the signed-redirect credentials are present.
func (c *Config) SignedConfigured() bool {
	return c.Signed.AccessKey != "" && c.Signed.ProfileID != "" && c.Signed.SecretKey != ""
}

// NormalizeProvider resolves a provider alias to its canonical identifier, or
// returns "" when the alias is unknown.
func NormalizeProvider(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "manual", "none":
		return ProviderManual
	case "provider_a", "stripe", "hosted":
		return ProviderHosted
	case "provider_b", "capital_bank", "capital-bank", "secure_acceptance", "signed":
		return ProviderSigned
	default:
		return ""
	}
}

func normalizePrefix(value string) string {
	p := "/" + strings.Trim(strings.TrimSpace(value), "/")
	if p == "/" {
		return ""
	}
	return p
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

// parsePriceTable reads "hours:price" pairs separated by commas.
func parsePriceTable(value, fallback string) map[int]decimal.Decimal {
	table, ok := priceTable(value)
	if !ok {
		table, _ = priceTable(fallback)
	}
	return table
}

func priceTable(value string) (map[int]decimal.Decimal, bool) {
	entries := splitAndTrim(value)
	if len(entries) == 0 {
		return nil, false
	}
	table := make(map[int]decimal.Decimal, len(entries))
	for _, entry := range entries {
		hours, price, found := strings.Cut(entry, ":")
		if !found {
			return nil, false
		}
		h, err := strconv.Atoi(strings.TrimSpace(hours))
		if err != nil || h <= 0 {
			return nil, false
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil {
			return nil, false
		}
		table[h] = p
	}
	return table, true
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-gateway/internal/checkout"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/core"
	"github.com/noah-isme/checkout-gateway/internal/gateway"
	"github.com/noah-isme/checkout-gateway/internal/health"
	"github.com/noah-isme/checkout-gateway/internal/obs"
	"github.com/noah-isme/checkout-gateway/internal/payment"
	"github.com/noah-isme/checkout-gateway/internal/pricing"
	"github.com/noah-isme/checkout-gateway/internal/proxy"
	"github.com/noah-isme/checkout-gateway/internal/ratelimit"
	"github.com/noah-isme/checkout-gateway/internal/resilience"
	"github.com/noah-isme/checkout-gateway/internal/security"
)

func main() {
	cfg := config.MustLoad()

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "checkout")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   cfg.ServiceName,
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	redisClient := connectRedis(cfg, metricsEnabled, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	coreClient := core.NewClient(core.Options{
		Paths:         cfg.Core,
		HTTPClient:    resilience.NewTracedClient(0),
		Breaker:       resilience.NewBreaker(20, 0.5, 15*time.Second).WithTarget("core").WithLogger(logger),
		LookupTimeout: cfg.LookupTimeout,
		WriteTimeout:  cfg.LookupTimeout,
	})

	resolver := pricing.NewResolver(pricing.Options{
		Source:    coreClient,
		Timeout:   cfg.LookupTimeout,
		Currency:  cfg.Payment.Currency,
		Fallbacks: cfg.Pricing,
		Logger:    logger,
	})

	provider, verifiers := selectProvider(cfg, logger)
	orchestrator := checkout.NewOrchestrator(checkout.Options{
		Core:     coreClient,
		Pricer:   resolver,
		Provider: provider,
		Logger:   logger,
	})
	logger.Info().Str("provider", orchestrator.Provider()).Msg("payment provider selected")

	forwarder, err := proxy.NewForwarder(proxy.Options{
		BaseURL:     cfg.Core.BaseURL,
		Timeout:     cfg.ProxyTimeout,
		Breaker:     resilience.NewBreaker(20, 0.5, 10*time.Second).WithTarget("proxy").WithLogger(logger),
		Intercepted: gateway.Intercepted(cfg.APIPrefix),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise proxy")
	}

	webhookHandler := payment.Webhook{
		Verifiers: verifiers,
		ReplayTTL: cfg.WebhookReplayTTL,
		MaxBody:   cfg.BodyLimitBytes,
		Logger:    logger,
	}
	var limiter ratelimit.Allower = ratelimit.NewMemoryLimiter()
	if redisClient != nil {
		webhookHandler.Replay = payment.RedisReplayGuard{Client: redisClient}
		limiter = ratelimit.Limiter{Client: redisClient, Prefix: "rl"}
	}
	rateLimit := ratelimit.Handler{
		Limiter: limiter,
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("checkout"),
			Window: cfg.CheckoutRateWindow,
			Max:    cfg.CheckoutRateLimit,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS: envBool("SECURE_HSTS_ENABLE", cfg.AppEnv == "production"),
		HSTSMaxAge: envInt("SECURE_HSTS_MAX_AGE", 31536000),
	}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(cors.Handler(corsOptions(cfg)))

	deps := gateway.Deps{
		Prefix:    cfg.APIPrefix,
		Checkout:  &checkout.Handler{Svc: orchestrator, Relay: forwarder},
		Webhook:   webhookHandler,
		Forwarder: forwarder,
		Health: health.Handler{
			Service:      cfg.ServiceName,
			Checker:      readinessChecker{core: coreClient, redis: redisClient},
			CoreTimeout:  envDurationMillis("HEALTH_READY_CORE_TIMEOUT_MS", 500),
			RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		},
		RateLimit: rateLimit.Middleware,
	}
	if metricsEnabled {
		deps.Metrics = promhttp.Handler()
	}
	gateway.Register(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 10000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("core", cfg.Core.BaseURL).Msg("gateway starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("gateway stopped")
}

// selectProvider builds the configured payment provider. A provider whose
// credentials are missing degrades to manual settlement.
func selectProvider(cfg *config.Config, logger zerolog.Logger) (payment.Provider, map[string]payment.WebhookVerifier) {
	verifiers := map[string]payment.WebhookVerifier{}
	var hosted *payment.Hosted
	if cfg.HostedConfigured() {
		hosted = payment.NewHosted(payment.HostedOptions{
			APIKey:        cfg.Hosted.APIKey,
			WebhookSecret: cfg.Hosted.WebhookSecret,
			APIBaseURL:    cfg.Hosted.APIBaseURL,
			HTTPClient:    resilience.NewTracedClient(0),
			Timeout:       cfg.ProviderTimeout,
		})
		verifiers[config.ProviderHosted] = hosted
	}
	var signed *payment.SignedRedirect
	if cfg.SignedConfigured() {
		s, err := payment.NewSignedRedirect(payment.SignedOptions{
			AccessKey:   cfg.Signed.AccessKey,
			ProfileID:   cfg.Signed.ProfileID,
			SecretKey:   cfg.Signed.SecretKey,
			EndpointURL: cfg.Signed.EndpointURL,
			Currency:    cfg.Signed.Currency,
			Locale:      cfg.Signed.Locale,
			MaxAge:      cfg.Signed.ReplyMaxAge,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise signed-redirect provider")
		} else {
			signed = s
			verifiers[config.ProviderSigned] = s
		}
	}

	switch cfg.Payment.Provider {
	case config.ProviderHosted:
		if hosted != nil {
			return hosted, verifiers
		}
	case config.ProviderSigned:
		if signed != nil {
			return signed, verifiers
		}
	case config.ProviderManual:
		return payment.Manual{}, verifiers
	}
	logger.Warn().Str("provider", cfg.Payment.Provider).Msg("provider credentials missing, falling back to manual payments")
	return payment.Manual{}, verifiers
}

func connectRedis(cfg *config.Config, metricsEnabled bool, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info().Msg("redis not configured, using in-process rate limits without webhook replay guard")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("ping redis")
	}
	return client
}

// corsOptions allows any origin when none are configured, but credentials
// are only sent to an explicit allowlist.
func corsOptions(cfg *config.Config) cors.Options {
	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}

type readinessChecker struct {
	core  *core.Client
	redis *redis.Client
}

func (c readinessChecker) PingCore(ctx context.Context, timeout time.Duration) error {
	if c.core == nil {
		return errors.New("core client not configured")
	}
	return c.core.Ping(ctx, timeout)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return health.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

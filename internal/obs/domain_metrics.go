package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CheckoutTotal counts checkout attempts by provider, type and outcome.
	CheckoutTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PricingFallbackTotal counts price resolutions that used a fallback value.
	PricingFallbackTotal *prometheus.CounterVec
	// ProxyRequestsTotal counts forwarded requests by outcome.
	ProxyRequestsTotal *prometheus.CounterVec
	// TransactionPersistFailures counts transaction write-backs that failed after a session was created.
	TransactionPersistFailures prometheus.Counter
	// SignedInitiateTotal counts signed-redirect initiations.
	SignedInitiateTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Count of checkout session creation outcomes.",
		}, []string{"provider", "type", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		PricingFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_fallback_total",
			Help:      "Count of price resolutions served from a fallback value.",
		}, []string{"type"})
		ProxyRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Count of requests forwarded to the core service by outcome.",
		}, []string{"result"})
		TransactionPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_persist_failures_total",
			Help:      "Number of transaction write-backs that failed after a provider session was created.",
		})
		SignedInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signed_initiate_total",
			Help:      "Count of signed-redirect initiations by outcome.",
		}, []string{"result"})

		mustRegisterCollector(reg, CheckoutTotal, reuseCounterVec(&CheckoutTotal))
		mustRegisterCollector(reg, PaymentWebhookTotal, reuseCounterVec(&PaymentWebhookTotal))
		mustRegisterCollector(reg, PricingFallbackTotal, reuseCounterVec(&PricingFallbackTotal))
		mustRegisterCollector(reg, ProxyRequestsTotal, reuseCounterVec(&ProxyRequestsTotal))
		mustRegisterCollector(reg, SignedInitiateTotal, reuseCounterVec(&SignedInitiateTotal))
		mustRegisterCollector(reg, TransactionPersistFailures, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				TransactionPersistFailures = v
			}
		})
	})
}

// IncCheckout records a checkout outcome. It is a no-op before registration.
func IncCheckout(provider, checkoutType, result string) {
	if CheckoutTotal != nil {
		CheckoutTotal.WithLabelValues(provider, checkoutType, result).Inc()
	}
}

// IncPaymentWebhook records a webhook outcome.
func IncPaymentWebhook(provider, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}

// IncPricingFallback records a fallback price resolution.
func IncPricingFallback(checkoutType string) {
	if PricingFallbackTotal != nil {
		PricingFallbackTotal.WithLabelValues(checkoutType).Inc()
	}
}

// IncProxy records a forwarded request outcome.
func IncProxy(result string) {
	if ProxyRequestsTotal != nil {
		ProxyRequestsTotal.WithLabelValues(result).Inc()
	}
}

// IncPersistFailure records a failed transaction write-back.
func IncPersistFailure() {
	if TransactionPersistFailures != nil {
		TransactionPersistFailures.Inc()
	}
}

// IncSignedInitiate records a signed-redirect initiation outcome.
func IncSignedInitiate(result string) {
	if SignedInitiateTotal != nil {
		SignedInitiateTotal.WithLabelValues(result).Inc()
	}
}

func reuseCounterVec(target **prometheus.CounterVec) func(prometheus.Collector) {
	return func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			*target = v
		}
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

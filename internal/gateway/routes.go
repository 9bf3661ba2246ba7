package gateway

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/health"
)

// Banner is the body served on GET /.
const Banner = "Checkout API Gateway"

// CheckoutHandlers serves the payment endpoints owned by the gateway.
type CheckoutHandlers interface {
	Create(w http.ResponseWriter, r *http.Request)
	Status(w http.ResponseWriter, r *http.Request)
	Initiate(w http.ResponseWriter, r *http.Request)
}

// Deps carries the handlers mounted by Register.
type Deps struct {
	Prefix    string
	Checkout  CheckoutHandlers
	Webhook   http.Handler
	Forwarder http.Handler
	Health    health.Handler
	Metrics   http.Handler
	// RateLimit wraps the checkout and initiate routes when set.
	RateLimit func(http.Handler) http.Handler
}

type route struct {
	method  string
	pattern string
	limited bool
	handler func(d Deps) http.HandlerFunc
}

// routes lists every path the gateway answers itself below the API prefix.
// Anything else under the prefix goes to the core service.
var routes = []route{
	{http.MethodGet, "/health", false, func(d Deps) http.HandlerFunc { return d.Health.Status }},
	{http.MethodPost, "/payments/create-checkout", true, func(d Deps) http.HandlerFunc { return d.Checkout.Create }},
	{http.MethodGet, "/payments/status/{id}", false, func(d Deps) http.HandlerFunc { return d.Checkout.Status }},
	{http.MethodPost, "/webhook/{provider}", false, func(d Deps) http.HandlerFunc { return d.Webhook.ServeHTTP }},
	{http.MethodPost, "/payments/{provider}/initiate", true, func(d Deps) http.HandlerFunc { return d.Checkout.Initiate }},
}

// Register mounts the gateway routes on r. Middleware must already be installed.
func Register(r chi.Router, d Deps) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		common.JSON(w, http.StatusOK, map[string]string{"message": Banner})
	})
	r.Get("/health/live", d.Health.Live)
	r.Get("/health/ready", d.Health.Ready)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	mount := func(api chi.Router) {
		for _, rt := range routes {
			var h http.Handler = rt.handler(d)
			if rt.limited && d.RateLimit != nil {
				h = d.RateLimit(h)
			}
			api.Method(rt.method, rt.pattern, h)
		}
		if d.Forwarder != nil {
			api.Handle("/*", d.Forwarder)
		}
	}
	if prefix := normalizePrefix(d.Prefix); prefix != "" {
		r.Route(prefix, mount)
	} else {
		r.Group(mount)
	}
}

// Intercepted reports whether path belongs to a gateway-owned route,
// regardless of method. The path is cleaned and lowercased first, and any
// path below an owned route, or an owned route with an empty trailing
// parameter, also counts. The proxy refuses to forward such paths.
func Intercepted(prefix string) func(urlPath string) bool {
	prefix = normalizePrefix(prefix)
	mux := chi.NewRouter()
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	for _, rt := range routes {
		mux.Handle(prefix+rt.pattern, noop)
	}
	match := func(p string) bool {
		return mux.Match(chi.NewRouteContext(), http.MethodGet, p)
	}
	return func(raw string) bool {
		cleaned := path.Clean("/" + strings.ToLower(raw))
		for p := cleaned; p != "/"; p = path.Dir(p) {
			if match(p) {
				return true
			}
		}
		return strings.HasSuffix(raw, "/") && match(cleaned+"/-")
	}
}

func normalizePrefix(prefix string) string {
	p := "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "/" {
		return ""
	}
	return p
}

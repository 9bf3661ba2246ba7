package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/obs"
	"github.com/noah-isme/checkout-gateway/internal/resilience"
)

// Hop-by-hop headers are meaningful only for a single connection.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configures a Forwarder.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient must not follow redirects; NewForwarder builds one when nil.
	HTTPClient *http.Client
	Breaker    *resilience.Breaker
	// Intercepted reports paths the gateway serves itself; they are never forwarded.
	Intercepted func(path string) bool
	Logger      zerolog.Logger
}

// Forwarder relays requests to the core service unchanged.
type Forwarder struct {
	base        *url.URL
	client      resilience.HTTPClient
	intercepted func(string) bool
	logger      zerolog.Logger
}

// NewForwarder validates the upstream base URL and builds the forwarder.
func NewForwarder(opts Options) (*Forwarder, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("proxy: invalid upstream url %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewTracedClient(0)
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(20, 0.5, 10*time.Second).WithTarget("proxy")
	}
	return &Forwarder{
		base: base,
		client: resilience.HTTPClient{
			Client:               httpClient,
			Breaker:              breaker,
			MaxAttempts:          1,
			Timeout:              timeout,
			TolerateServerErrors: true,
		},
		intercepted: opts.Intercepted,
		logger:      opts.Logger,
	}, nil
}

// ServeHTTP forwards r to the same path on the core service.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.intercepted != nil && f.intercepted(r.URL.Path) {
		obs.IncProxy("intercepted")
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "Not found")
		return
	}
	f.forward(w, r, r.URL.EscapedPath())
}

// ForwardPath forwards r to path on the core service, keeping r's query string.
func (f *Forwarder) ForwardPath(w http.ResponseWriter, r *http.Request, path string) {
	f.forward(w, r, path)
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, path string) {
	target := f.base.String() + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	outReq.ContentLength = r.ContentLength
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Host")
	removeHopHeaders(outReq.Header)
	if ip := common.ClientIP(r); ip != "" {
		outReq.Header.Set("X-Forwarded-For", ip)
	}
	if r.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	resp, err := f.client.Do(r.Context(), outReq)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopHeaders(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("proxy response copy interrupted")
	}
	obs.IncProxy("forwarded")
}

func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, err error) {
	if isConnectError(err) {
		obs.IncProxy("unavailable")
		f.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("core service unreachable")
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Backend service unavailable"})
		return
	}
	obs.IncProxy("error")
	f.logger.Error().Err(err).Str("path", r.URL.Path).Msg("proxy request failed")
	common.JSON(w, http.StatusInternalServerError, map[string]string{"error": errorMessage(err)})
}

func isConnectError(err error) bool {
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func errorMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

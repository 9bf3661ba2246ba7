package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/resilience"
)

var (
	// ErrUnauthorized is returned when the core service rejects the caller credential.
	ErrUnauthorized = errors.New("core: unauthorized")
	// ErrUnavailable is returned when the core service cannot be reached or times out.
	ErrUnavailable = errors.New("core: unavailable")
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("core: not found")
	// ErrMissingField is returned when a 2xx reply lacks the field being looked up.
	ErrMissingField = errors.New("core: missing field")
)

// StatusError reports a non-2xx reply from the core service.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("core %s: unexpected status %d", e.Path, e.Status)
}

// Unwrap maps auth and not-found statuses onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Options configures a Client.
type Options struct {
	Paths         config.CoreConfig
	HTTPClient    *http.Client
	Breaker       *resilience.Breaker
	LookupTimeout time.Duration
	WriteTimeout  time.Duration
}

// Client is the typed HTTP client for the core service.
type Client struct {
	paths  config.CoreConfig
	lookup resilience.HTTPClient
	write  resilience.HTTPClient
}

// NewClient constructs a core client. Lookups are retried once on transport
// errors and 5xx replies; transaction writes are attempted exactly once.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewTracedClient(0)
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(20, 0.5, 15*time.Second).WithTarget("core")
	}
	opts.Paths.BaseURL = strings.TrimRight(opts.Paths.BaseURL, "/")
	return &Client{
		paths: opts.Paths,
		lookup: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     breaker,
			MaxAttempts: 2,
			BaseBackoff: 100 * time.Millisecond,
			Jitter:      0.2,
			Timeout:     opts.LookupTimeout,
		},
		write: resilience.HTTPClient{
			Client:      httpClient,
			Breaker:     breaker,
			MaxAttempts: 1,
			Timeout:     opts.WriteTimeout,
		},
	}
}

// Identity is the caller as resolved by the core service.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// WhoAmI resolves the caller behind authHeader. Any non-2xx reply, or a reply
// without a user id, is ErrUnauthorized.
func (c *Client) WhoAmI(ctx context.Context, authHeader string) (Identity, error) {
	if strings.TrimSpace(authHeader) == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	var body struct {
		User struct {
			ID    common.FlexString `json:"id"`
			Email string            `json:"email"`
			Name  string            `json:"name"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, c.paths.WhoAmIPath, authHeader, &body); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Identity{}, err
	}
	if body.User.ID == "" {
		return Identity{}, fmt.Errorf("%w: no user id", ErrUnauthorized)
	}
	return Identity{ID: string(body.User.ID), Email: body.User.Email, Name: body.User.Name}, nil
}

// HourlyPrice reads the flat hourly price from the settings endpoint.
func (c *Client) HourlyPrice(ctx context.Context, authHeader string) (decimal.Decimal, error) {
	var body struct {
		Settings struct {
			HourlyPrice *decimal.Decimal `json:"hourly_price"`
		} `json:"settings"`
	}
	if err := c.getJSON(ctx, c.paths.SettingsPath, authHeader, &body); err != nil {
		return decimal.Zero, err
	}
	if body.Settings.HourlyPrice == nil {
		return decimal.Zero, fmt.Errorf("%w: settings.hourly_price", ErrMissingField)
	}
	return *body.Settings.HourlyPrice, nil
}

// HourlyTable is the duration-based price table published by the core service.
type HourlyTable struct {
	Prices    map[int]decimal.Decimal
	ExtraHour decimal.Decimal
}

// HourlyTable reads the duration price table.
func (c *Client) HourlyTable(ctx context.Context, authHeader string) (HourlyTable, error) {
	var body struct {
		Pricing []struct {
			Hours int             `json:"hours"`
			Price decimal.Decimal `json:"price"`
		} `json:"pricing"`
		ExtraHourPrice *decimal.Decimal `json:"extra_hour_price"`
	}
	if err := c.getJSON(ctx, c.paths.HourlyPricePath, authHeader, &body); err != nil {
		return HourlyTable{}, err
	}
	if len(body.Pricing) == 0 || body.ExtraHourPrice == nil {
		return HourlyTable{}, fmt.Errorf("%w: pricing table", ErrMissingField)
	}
	table := HourlyTable{Prices: make(map[int]decimal.Decimal, len(body.Pricing)), ExtraHour: *body.ExtraHourPrice}
	for _, row := range body.Pricing {
		if row.Hours > 0 {
			table.Prices[row.Hours] = row.Price
		}
	}
	return table, nil
}

// ThemePrice reads the configured price of a birthday theme.
func (c *Client) ThemePrice(ctx context.Context, authHeader, themeID string) (decimal.Decimal, error) {
	var body struct {
		Theme struct {
			Price *decimal.Decimal `json:"price"`
		} `json:"theme"`
	}
	if err := c.getJSON(ctx, withID(c.paths.ThemePath, themeID), authHeader, &body); err != nil {
		return decimal.Zero, err
	}
	if body.Theme.Price == nil {
		return decimal.Zero, fmt.Errorf("%w: theme.price", ErrMissingField)
	}
	return *body.Theme.Price, nil
}

// PlanPrice reads the configured price of a subscription plan.
func (c *Client) PlanPrice(ctx context.Context, authHeader, planID string) (decimal.Decimal, error) {
	var body struct {
		Plan struct {
			Price *decimal.Decimal `json:"price"`
		} `json:"plan"`
	}
	if err := c.getJSON(ctx, withID(c.paths.PlanPath, planID), authHeader, &body); err != nil {
		return decimal.Zero, err
	}
	if body.Plan.Price == nil {
		return decimal.Zero, fmt.Errorf("%w: plan.price", ErrMissingField)
	}
	return *body.Plan.Price, nil
}

// Transaction is the record written back to the core service after a session is created.
type Transaction struct {
	SessionID   string
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Type        string
	ReferenceID string
	Provider    string
	Status      string
	Metadata    map[string]string
}

type transactionPayload struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	Amount      json.Number       `json:"amount"`
	Currency    string            `json:"currency"`
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Provider    string            `json:"provider"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata"`
}

// StoreTransaction posts tx to the transaction-store endpoint. It is never retried.
func (c *Client) StoreTransaction(ctx context.Context, authHeader string, tx Transaction) error {
	payload, err := json.Marshal(transactionPayload{
		SessionID:   tx.SessionID,
		UserID:      tx.UserID,
		Amount:      json.Number(tx.Amount.StringFixed(2)),
		Currency:    tx.Currency,
		Type:        tx.Type,
		ReferenceID: tx.ReferenceID,
		Provider:    tx.Provider,
		Status:      tx.Status,
		Metadata:    tx.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.paths.StoreTxPath, authHeader, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.write.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("core %s: %w: %w", c.paths.StoreTxPath, ErrUnavailable, err)
	}
	defer drainClose(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: c.paths.StoreTxPath, Status: resp.StatusCode}
	}
	return nil
}

// TransactionRecord is a stored transaction as returned by the core service.
type TransactionRecord struct {
	SessionID   string            `json:"session_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Status      string            `json:"status"`
	Type        string            `json:"type"`
	ReferenceID string            `json:"reference_id"`
	Provider    string            `json:"provider"`
	Metadata    map[string]string `json:"metadata"`
}

// GetTransaction looks up a stored transaction by order or session id.
func (c *Client) GetTransaction(ctx context.Context, authHeader, id string) (TransactionRecord, error) {
	var body struct {
		Transaction *TransactionRecord `json:"transaction"`
	}
	if err := c.getJSON(ctx, withID(c.paths.TransactionPath, id), authHeader, &body); err != nil {
		return TransactionRecord{}, err
	}
	if body.Transaction == nil {
		return TransactionRecord{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return *body.Transaction, nil
}

// StatusPath returns the core path that serves the stored status of a session.
func (c *Client) StatusPath(sessionID string) string {
	return withID(c.paths.StatusPath, sessionID)
}

// Ping calls the core health endpoint.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, c.paths.HealthPath, "", nil)
	if err != nil {
		return err
	}
	resp, err := c.write.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainClose(resp)
	if resp.StatusCode >= 300 {
		return &StatusError{Path: c.paths.HealthPath, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, authHeader string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, authHeader, nil)
	if err != nil {
		return err
	}
	resp, err := c.lookup.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("core %s: %w: %w", path, ErrUnavailable, err)
	}
	defer drainClose(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: path, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("core %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, authHeader string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.paths.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build core request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return req, nil
}

func withID(path, id string) string {
	return strings.ReplaceAll(path, "{id}", url.PathEscape(id))
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// Package provider implements the payment.Provider interface over the
// uniform HTTP contract our payment bridge exposes for every external
// provider (Mollie, Stripe, Buckaroo, Payconiq). The bridge normalizes
// provider-specific APIs, so one client serves all of them; only the base
// URL and credentials differ per provider kind.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/settle/internal/domain/payment"
)

// Config holds one provider connection.
type Config struct {
	// BaseURL points at the provider bridge, e.g. https://pay.example.com/mollie.
	BaseURL string
	// APIKey authenticates us to the bridge.
	APIKey string
	// Timeout bounds each call. Zero means 10 seconds.
	Timeout time.Duration
}

// Client talks to one provider bridge.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

var _ payment.Provider = (*Client)(nil)

// NewClient builds a Client from cfg. The underlying transport is traced.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type createIntentRequest struct {
	PaymentID   string `json:"paymentId"`
	Method      string `json:"method"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	RedirectURL string `json:"redirectUrl"`
	CancelURL   string `json:"cancelUrl"`
}

type createIntentResponse struct {
	Ref         string `json:"ref"`
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateIntent opens a payment with the provider and returns its reference
// and checkout URL.
func (c *Client) CreateIntent(ctx context.Context, p *payment.Payment, req payment.IntentRequest) (*payment.Intent, error) {
	body := createIntentRequest{
		PaymentID:   p.ID.String(),
		Method:      string(p.Method),
		Amount:      p.Price,
		Description: req.Description,
		RedirectURL: req.RedirectURL,
		CancelURL:   req.CancelURL,
	}
	var resp createIntentResponse
	if err := c.do(ctx, http.MethodPost, "payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.Ref == "" || resp.CheckoutURL == "" {
		return nil, errors.New("provider returned incomplete intent")
	}
	return &payment.Intent{ProviderRef: resp.Ref, CheckoutURL: resp.CheckoutURL}, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// GetStatus reads the provider's current state for the referenced payment.
// Statuses outside the known set map to unknown, which callers treat as
// "leave unchanged".
func (c *Client) GetStatus(ctx context.Context, providerRef string) (payment.ProviderStatus, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(providerRef), nil, &resp); err != nil {
		return payment.ProviderStatusUnknown, err
	}
	switch s := payment.ProviderStatus(resp.Status); s {
	case payment.ProviderStatusOpen, payment.ProviderStatusPending,
		payment.ProviderStatusPaid, payment.ProviderStatusFailed,
		payment.ProviderStatusCanceled, payment.ProviderStatusExpired:
		return s, nil
	default:
		return payment.ProviderStatusUnknown, nil
	}
}

type cancelResponse struct {
	Canceled bool `json:"canceled"`
}

// Cancel asks the provider to abort the referenced payment.
func (c *Client) Cancel(ctx context.Context, providerRef string) (bool, error) {
	var resp cancelResponse
	err := c.do(ctx, http.MethodDelete, "payments/"+url.PathEscape(providerRef), nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Canceled, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "call provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded slice of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("provider returned %d: %s", resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

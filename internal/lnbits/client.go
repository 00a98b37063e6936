// Package lnbits is an HTTP client for LNbits-compatible wallet backends.
//
// Each wallet is addressed by its API key; the engine holds one key per
// tracked account. The client covers the small API surface the engine and
// its callers need: invoice creation/payment, wallet info (doubles as the
// health probe), balance reads, and the push notification endpoint URL.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// Invoice is a newly created payment request.
type Invoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	CheckingID     string `json:"checking_id"`
}

// Payment is the result of paying an invoice.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
}

// WalletInfo describes a wallet. Balance is in millisatoshis as the
// backend reports it; use BalanceSat for satoshis.
type WalletInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// BalanceSat returns the wallet balance in satoshis.
func (w *WalletInfo) BalanceSat() int64 {
	return w.Balance / 1000
}

// Client talks to one LNbits-compatible backend instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a backend client. Every request carries the given timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type createInvoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// CreateInvoice creates an incoming payment request of amountSat satoshis
// on the wallet identified by apiKey.
func (c *Client) CreateInvoice(ctx context.Context, apiKey string, amountSat int64, memo string) (*Invoice, error) {
	if amountSat <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d", amountSat)
	}
	var inv Invoice
	err := c.do(ctx, http.MethodPost, "/api/v1/payments", apiKey,
		createInvoiceRequest{Out: false, Amount: amountSat, Memo: memo}, &inv)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	if inv.CheckingID == "" {
		inv.CheckingID = inv.PaymentHash
	}
	return &inv, nil
}

type payInvoiceRequest struct {
	Out    bool   `json:"out"`
	Bolt11 string `json:"bolt11"`
}

// PayInvoice pays a bolt11 payment request from the wallet identified by apiKey.
func (c *Client) PayInvoice(ctx context.Context, apiKey, bolt11 string) (*Payment, error) {
	var p Payment
	err := c.do(ctx, http.MethodPost, "/api/v1/payments", apiKey,
		payInvoiceRequest{Out: true, Bolt11: bolt11}, &p)
	if err != nil {
		return nil, fmt.Errorf("pay invoice: %w", err)
	}
	return &p, nil
}

// WalletInfo fetches the wallet's name and balance. It is the cheapest
// authenticated call the backend offers and serves as the health probe.
func (c *Client) WalletInfo(ctx context.Context, apiKey string) (*WalletInfo, error) {
	var info WalletInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet", apiKey, nil, &info); err != nil {
		return nil, fmt.Errorf("wallet info: %w", err)
	}
	return &info, nil
}

// Balance fetches the wallet balance in satoshis.
func (c *Client) Balance(ctx context.Context, apiKey string) (int64, error) {
	info, err := c.WalletInfo(ctx, apiKey)
	if err != nil {
		return 0, err
	}
	return info.BalanceSat(), nil
}

// SubscriptionURL returns the WebSocket endpoint delivering payment
// notifications for the wallet identified by apiKey.
func (c *Client) SubscriptionURL(apiKey string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws/" + apiKey
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readErrorDetail(resp.Body)
		return &APIError{Status: resp.StatusCode, Detail: detail}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// readErrorDetail extracts the backend's error message, falling back to
// the raw body (truncated) when it is not the usual {"detail": ...} shape.
func readErrorDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return string(data)
}

package lnbits

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/payments", r.URL.Path)
		require.Equal(t, "key-a", r.Header.Get("X-Api-Key"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["out"])
		assert.Equal(t, float64(2100), body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"payment_hash":    "abc123",
			"payment_request": "lnbc21u1...",
			"checking_id":     "chk-1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	inv, err := c.CreateInvoice(context.Background(), "key-a", 2100, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "abc123", inv.PaymentHash)
	assert.Equal(t, "chk-1", inv.CheckingID)
}

func TestCreateInvoiceFallsBackToPaymentHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"payment_hash": "abc123"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	inv, err := c.CreateInvoice(context.Background(), "k", 100, "")
	require.NoError(t, err)
	assert.Equal(t, "abc123", inv.CheckingID)
}

func TestCreateInvoiceRejectsNonPositiveAmount(t *testing.T) {
	c := New("http://localhost:1", time.Second)
	_, err := c.CreateInvoice(context.Background(), "k", 0, "")
	assert.Error(t, err)
}

func TestWalletInfoAndBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/wallet", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "w1", "name": "main", "balance": 5000000,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	info, err := c.WalletInfo(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), info.BalanceSat())

	sats, err := c.Balance(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), sats)
}

func TestAPIErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"invalid key"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.WalletInfo(context.Background(), "bad")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "invalid key", apiErr.Detail)
}

func TestSubscriptionURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/api/v1/ws/key-1"},
		{"https://legend.lnbits.com", "wss://legend.lnbits.com/api/v1/ws/key-1"},
		{"https://example.com/lnbits/", "wss://example.com/lnbits/api/v1/ws/key-1"},
	}

	for _, tt := range tests {
		c := New(tt.base, time.Second)
		assert.Equal(t, tt.want, c.SubscriptionURL("key-1"), "base %s", tt.base)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond)
	_, err := c.WalletInfo(context.Background(), "k")
	assert.Error(t, err)
}

package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"course_cart/internal/domain"

	"github.com/shopspring/decimal"
)

const mockRateTable = `{"result":"success","base_code":"USD","time_last_update_unix":1760486400,"rates":{"USD":1,"PEN":3.75,"MXN":18.2}}`

func newTestRateClient(url string) *ExchangeRateClient {
	c := NewExchangeRateClientWithConfig(url, 60, 3)
	c.retryBase = time.Millisecond
	return c
}

func TestExchangeRateClient_Convert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(mockRateTable))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	res, err := client.Convert(context.Background(), decimal.NewFromInt(100), "pen")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !res.TargetAmount.Equal(decimal.NewFromInt(375)) {
		t.Errorf("Expected 375, got %s", res.TargetAmount)
	}
	if res.TargetCurrency != "PEN" || res.SourceCurrency != "USD" {
		t.Errorf("Unexpected currencies %s -> %s", res.SourceCurrency, res.TargetCurrency)
	}
	if !res.Rate.Equal(decimal.RequireFromString("3.75")) {
		t.Errorf("Expected rate 3.75, got %s", res.Rate)
	}
	if !res.AsOf.Equal(time.Unix(1760486400, 0)) {
		t.Errorf("Expected as-of from table, got %v", res.AsOf)
	}
}

func TestExchangeRateClient_CachesTable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(mockRateTable))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.Convert(ctx, decimal.NewFromInt(10), "MXN"); err != nil {
			t.Fatalf("Convert failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 API call within TTL, got %d", calls.Load())
	}
}

func TestExchangeRateClient_UnknownCurrency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(mockRateTable))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	_, err := client.Convert(context.Background(), decimal.NewFromInt(10), "XYZ")
	if !errors.Is(err, domain.ErrConversionUnavailable) {
		t.Errorf("Expected ErrConversionUnavailable, got %v", err)
	}
}

func TestExchangeRateClient_StartStop(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(mockRateTable))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if calls.Load() < 1 {
		t.Error("Expected at least one API call")
	}
	if _, ok := client.GetRate("PEN"); !ok {
		t.Error("Expected PEN rate after Start")
	}

	// Stop should complete without hanging
	client.Stop()
}

func TestExchangeRateClient_EmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"success","rates":{}}`))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	if err := client.fetchRate(context.Background()); err == nil {
		t.Error("Empty response should return error")
	}
}

func TestExchangeRateClient_RetryOnFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(mockRateTable))
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	if err := client.fetchRate(context.Background()); err != nil {
		t.Fatalf("fetchRate should succeed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestExchangeRateClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestRateClient(server.URL)

	if err := client.fetchRate(context.Background()); err == nil {
		t.Fatal("Expected error on 403")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single call for a non-retriable status, got %d", calls.Load())
	}
}

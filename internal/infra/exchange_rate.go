package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"course_cart/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RatesBase is the only source currency the rate table can price.
const RatesBase = "USD"

// rateTableResponse is the open exchange-rate table format:
// {"result":"success","base_code":"USD","time_last_update_unix":..., "rates":{"PEN":3.74}}
type rateTableResponse struct {
	Result             string                     `json:"result"`
	BaseCode           string                     `json:"base_code"`
	TimeLastUpdateUnix int64                      `json:"time_last_update_unix"`
	Rates              map[string]decimal.Decimal `json:"rates"`
	ErrorType          string                     `json:"error-type,omitempty"`
}

// ExchangeRateClient fetches and caches the USD rate table.
// It implements domain.RateConverter.
type ExchangeRateClient struct {
	rates     map[string]decimal.Decimal
	asOf      time.Time
	fetchedAt time.Time
	mu        sync.RWMutex

	ttl          time.Duration
	attempts     int
	retryBase    time.Duration
	pollInterval time.Duration
	apiURL       string
	httpClient   *http.Client
	group        singleflight.Group
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewExchangeRateClient creates a new exchange rate client
func NewExchangeRateClient() *ExchangeRateClient {
	return &ExchangeRateClient{
		ttl:          time.Hour,
		attempts:     3,
		retryBase:    time.Second,
		pollInterval: time.Hour,
		apiURL:       "https://open.er-api.com/v6/latest/USD",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewExchangeRateClientWithConfig creates a client with custom configuration
func NewExchangeRateClientWithConfig(apiURL string, ttlSec, attempts int) *ExchangeRateClient {
	client := NewExchangeRateClient()
	if apiURL != "" {
		client.apiURL = apiURL
	}
	if ttlSec > 0 {
		client.ttl = time.Duration(ttlSec) * time.Second
		client.pollInterval = client.ttl
	}
	if attempts > 0 {
		client.attempts = attempts
	}
	return client
}

// Start fetches the table once and keeps it fresh in the background.
// Convert works without Start; it fetches lazily when the table is missing or expired.
func (c *ExchangeRateClient) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.refresh(ctx); err != nil {
		slog.Warn("Initial exchange rate fetch failed", slog.Any("error", err))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Exchange rate polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Exchange rate polling stopped")
				return
			case <-ticker.C:
				if err := c.refresh(ctx); err != nil {
					slog.Warn("Exchange rate fetch failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// Stop stops the polling
func (c *ExchangeRateClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// Convert prices amountUSD in target using the cached table.
func (c *ExchangeRateClient) Convert(ctx context.Context, amountUSD decimal.Decimal, target string) (domain.ConversionResult, error) {
	target = strings.ToUpper(strings.TrimSpace(target))

	if c.expired() {
		if err := c.refresh(ctx); err != nil {
			if _, ok := c.GetRate(target); !ok {
				return domain.ConversionResult{}, fmt.Errorf("%w: %w", domain.ErrConversionUnavailable, err)
			}
			slog.Warn("Using expired exchange rate table", slog.Any("error", err))
		}
	}

	rate, ok := c.GetRate(target)
	if !ok {
		return domain.ConversionResult{}, fmt.Errorf("%w: no rate for %s", domain.ErrConversionUnavailable, target)
	}

	c.mu.RLock()
	asOf := c.asOf
	c.mu.RUnlock()

	return domain.ConversionResult{
		SourceAmount:   amountUSD,
		SourceCurrency: RatesBase,
		TargetAmount:   amountUSD.Mul(rate),
		TargetCurrency: target,
		Rate:           rate,
		AsOf:           asOf,
	}, nil
}

// GetRate returns the cached rate for code.
func (c *ExchangeRateClient) GetRate(code string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[strings.ToUpper(code)]
	return rate, ok
}

func (c *ExchangeRateClient) expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rates == nil || time.Since(c.fetchedAt) > c.ttl
}

// refresh collapses concurrent table fetches into one.
func (c *ExchangeRateClient) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("rates", func() (interface{}, error) {
		return nil, c.fetchRate(ctx)
	})
	return err
}

// fetchRate fetches the rate table with retry on retriable failures.
func (c *ExchangeRateClient) fetchRate(ctx context.Context) error {
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			// Exponential backoff: base, 2*base, 4*base
			delay := c.retryBase << uint(i-1)
			slog.Info("Retrying exchange rate fetch", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doFetch(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Exchange rate fetch attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
		if !domain.IsRetriable(err) {
			break
		}
	}
	return lastErr
}

func (c *ExchangeRateClient) doFetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return domain.NewFatalNetworkError("build rates request", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError("fetch rates", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.NewNetworkError("fetch rates", statusErr)
		}
		return domain.NewFatalNetworkError("fetch rates", statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError("read rates", err)
	}

	var data rateTableResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return domain.NewFatalNetworkError("decode rates", err)
	}

	if data.Result != "success" || len(data.Rates) == 0 {
		return domain.NewFatalNetworkError("decode rates", errors.New("empty rate table"))
	}
	if data.BaseCode != "" && !strings.EqualFold(data.BaseCode, RatesBase) {
		return domain.NewFatalNetworkError("decode rates", fmt.Errorf("unexpected base %s", data.BaseCode))
	}

	rates := make(map[string]decimal.Decimal, len(data.Rates))
	for code, rate := range data.Rates {
		if rate.IsPositive() {
			rates[strings.ToUpper(code)] = rate
		}
	}

	asOf := time.Now()
	if data.TimeLastUpdateUnix > 0 {
		asOf = time.Unix(data.TimeLastUpdateUnix, 0).UTC()
	}

	c.mu.Lock()
	c.rates = rates
	c.asOf = asOf
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	slog.Debug("Exchange rate table updated", slog.Int("currencies", len(rates)), slog.Time("as_of", asOf))
	return nil
}

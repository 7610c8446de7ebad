package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"course_cart/internal/domain"
)

// geoResponse is the ipapi-style lookup body.
type geoResponse struct {
	CountryCode    string `json:"country_code"`
	Currency       string `json:"currency"`
	CurrencyName   string `json:"currency_name"`
	CurrencySymbol string `json:"currency_symbol,omitempty"`
	Error          bool   `json:"error,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// GeoClient resolves the caller's country from an IP geolocation endpoint.
type GeoClient struct {
	apiURL     string
	httpClient *http.Client
}

// NewGeoClient creates a GeoClient for apiURL (default ipapi.co).
func NewGeoClient(apiURL string) *GeoClient {
	if apiURL == "" {
		apiURL = "https://ipapi.co/json/"
	}
	return &GeoClient{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// DetectCountry implements domain.GeoDetector.
func (g *GeoClient) DetectCountry(ctx context.Context) (domain.GeoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL, nil)
	if err != nil {
		return domain.GeoInfo{}, domain.NewFatalNetworkError("build geo request", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return domain.GeoInfo{}, domain.NewNetworkError("detect country", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.GeoInfo{}, domain.NewNetworkError("detect country", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var data geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return domain.GeoInfo{}, domain.NewFatalNetworkError("decode geo", err)
	}
	if data.Error {
		return domain.GeoInfo{}, domain.NewFatalNetworkError("detect country", errors.New(data.Reason))
	}
	if data.CountryCode == "" || data.Currency == "" {
		return domain.GeoInfo{}, domain.NewFatalNetworkError("decode geo", errors.New("missing country or currency"))
	}

	return domain.GeoInfo{
		CountryCode: strings.ToUpper(data.CountryCode),
		Currency:    strings.ToUpper(data.Currency),
		Symbol:      data.CurrencySymbol,
		Name:        data.CurrencyName,
	}, nil
}

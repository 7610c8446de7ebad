package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyProfile describes the caller's market as detected once per session.
type CurrencyProfile struct {
	CountryCode    string `json:"countryCode" yaml:"country_code"`
	CurrencyCode   string `json:"currencyCode" yaml:"currency_code"`
	CurrencySymbol string `json:"currencySymbol" yaml:"currency_symbol"`
	CurrencyName   string `json:"currencyName" yaml:"currency_name"`
}

// GeoInfo is the raw answer of a geo-detection collaborator.
type GeoInfo struct {
	CountryCode string
	Currency    string
	Symbol      string
	Name        string
}

// ConversionResult is a single priced conversion.
type ConversionResult struct {
	SourceAmount   decimal.Decimal `json:"sourceAmount"`
	SourceCurrency string          `json:"sourceCurrency"`
	TargetAmount   decimal.Decimal `json:"targetAmount"`
	TargetCurrency string          `json:"targetCurrency"`
	Rate           decimal.Decimal `json:"rate"`
	AsOf           time.Time       `json:"asOf"`
}

// Money is an amount tagged with its ISO currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// KVStore is durable key/value storage scoped to the local profile.
// Get reports found=false for a missing key.
type KVStore interface {
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte) error
}

// CatalogSource lists the currently published, purchasable items.
type CatalogSource interface {
	ListPublishedItems(ctx context.Context) ([]CatalogItem, error)
}

// GeoDetector resolves the caller's country and currency.
type GeoDetector interface {
	DetectCountry(ctx context.Context) (GeoInfo, error)
}

// RateConverter converts a base-currency (USD) amount into target.
type RateConverter interface {
	Convert(ctx context.Context, amountUSD decimal.Decimal, target string) (ConversionResult, error)
}

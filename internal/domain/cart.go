package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartEntry is one persisted cart line. Quantity is always >= 1.
type CartEntry struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// DisplayMetadata holds the presentation fields of a catalog item.
type DisplayMetadata struct {
	Title        string `json:"title"`
	Slug         string `json:"slug,omitempty"`
	Instructor   string `json:"instructor,omitempty"`
	ThumbnailURL string `json:"thumbnail,omitempty"`
}

// CatalogItem is an immutable, published course as reported by the catalog.
type CatalogItem struct {
	ID                  string           `json:"id"`
	BasePrice           decimal.Decimal  `json:"price"`
	DiscountedBasePrice *decimal.Decimal `json:"discountedPrice,omitempty"`
	Display             DisplayMetadata  `json:"display"`
}

// EffectivePrice returns the discounted base price when present, else the base price.
func (c CatalogItem) EffectivePrice() decimal.Decimal {
	if c.DiscountedBasePrice != nil {
		return *c.DiscountedBasePrice
	}
	return c.BasePrice
}

// EnrichedCartEntry is a cart entry joined with its catalog record.
// It is derived and never persisted.
type EnrichedCartEntry struct {
	CartEntry
	Item CatalogItem `json:"item"`
}

// LineTotal returns effective price * quantity.
func (e EnrichedCartEntry) LineTotal() decimal.Decimal {
	return e.Item.EffectivePrice().Mul(decimal.NewFromInt(int64(e.Quantity)))
}

// CatalogSnapshot is the catalog as of one applied fetch.
// Revision increases on every applied fetch result, successful or not;
// Items only changes on success.
type CatalogSnapshot struct {
	Items     map[string]CatalogItem
	Revision  uint64
	Loaded    bool // at least one fetch succeeded
	Degraded  bool // the latest applied fetch failed
	FetchedAt time.Time
}

// Lookup returns the catalog item for id.
func (s CatalogSnapshot) Lookup(id string) (CatalogItem, bool) {
	item, ok := s.Items[id]
	return item, ok
}

// CartSignal is the cross-context notification published on every cart change.
type CartSignal struct {
	Origin string    `json:"origin"`
	Seq    uint64    `json:"seq"`
	Count  int       `json:"count"`
	Total  string    `json:"total"`
	Ready  bool      `json:"ready"`
	At     time.Time `json:"at"`
}

// KVEntry is a single persisted key/value row.
type KVEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

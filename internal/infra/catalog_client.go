package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"course_cart/internal/domain"

	"github.com/shopspring/decimal"
)

// catalogCourse is one course as served by the storefront API.
type catalogCourse struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Slug            string           `json:"slug"`
	Instructor      string           `json:"instructor"`
	Thumbnail       string           `json:"thumbnail"`
	Price           decimal.Decimal  `json:"price"`
	DiscountedPrice *decimal.Decimal `json:"discountedPrice"`
	Published       bool             `json:"published"`
}

// CatalogClient lists published courses over HTTP.
// It implements domain.CatalogSource.
type CatalogClient struct {
	apiURL     string
	httpClient *http.Client
}

// NewCatalogClient creates a CatalogClient. timeout <= 0 means 10s.
func NewCatalogClient(apiURL string, timeout time.Duration) *CatalogClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CatalogClient{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListPublishedItems fetches the course list and keeps only published, priced items.
func (c *CatalogClient) ListPublishedItems(ctx context.Context) ([]domain.CatalogItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("build catalog request", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("fetch catalog", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewNetworkError("fetch catalog", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var courses []catalogCourse
	if err := json.NewDecoder(resp.Body).Decode(&courses); err != nil {
		return nil, domain.NewFatalNetworkError("decode catalog", err)
	}

	items := make([]domain.CatalogItem, 0, len(courses))
	for _, course := range courses {
		id := strings.TrimSpace(course.ID)
		if !course.Published || id == "" || course.Price.IsNegative() {
			continue
		}
		item := domain.CatalogItem{
			ID:        id,
			BasePrice: course.Price,
			Display: domain.DisplayMetadata{
				Title:        course.Title,
				Slug:         course.Slug,
				Instructor:   course.Instructor,
				ThumbnailURL: course.Thumbnail,
			},
		}
		if course.DiscountedPrice != nil && !course.DiscountedPrice.IsNegative() {
			d := *course.DiscountedPrice
			item.DiscountedBasePrice = &d
		}
		items = append(items, item)
	}

	return items, nil
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"course_cart/internal/currency"
	"course_cart/internal/domain"
	"course_cart/internal/engine"
	"course_cart/internal/infra"
	"course_cart/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// Cart is the cart engine surface exposed over HTTP.
type Cart interface {
	View() engine.View
	Add(ctx context.Context, itemID string) error
	Remove(ctx context.Context, itemID string) error
	Clear(ctx context.Context) error
}

// Prices composes display prices.
type Prices interface {
	Compose(ctx context.Context, base domain.Money, alt *domain.Money) (service.PriceDisplay, error)
}

// Currency exposes the session currency profile.
type Currency interface {
	DetectProfile(ctx context.Context) (domain.CurrencyProfile, error)
	Degraded() bool
	Base() string
}

// Thumbnails resolves locally cached course thumbnails.
type Thumbnails interface {
	Cached(itemID string) (string, bool)
}

// Option customises the router.
type Option func(*routes)

// WithCart sets the cart engine.
func WithCart(c Cart) Option { return func(r *routes) { r.cart = c } }

// WithPrices sets the price composer.
func WithPrices(p Prices) Option { return func(r *routes) { r.prices = p } }

// WithCurrency sets the currency service.
func WithCurrency(c Currency) Option { return func(r *routes) { r.currency = c } }

// WithSignals mounts the cart signal websocket handler.
func WithSignals(h http.Handler) Option { return func(r *routes) { r.signals = h } }

// WithThumbnails serves cached thumbnails on /thumbnails/{itemID}.
func WithThumbnails(t Thumbnails) Option { return func(r *routes) { r.thumbs = t } }

// WithMetrics exposes metrics on /debug/metrics.
func WithMetrics(m *infra.Metrics) Option { return func(r *routes) { r.metrics = m } }

type routes struct {
	cart     Cart
	prices   Prices
	currency Currency
	signals  http.Handler
	metrics  *infra.Metrics
	thumbs   Thumbnails
}

// NewRouter builds the HTTP surface. Routes whose dependency is missing
// answer 503.
func NewRouter(opts ...Option) http.Handler {
	rt := &routes{}
	for _, opt := range opts {
		opt(rt)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.health)
	r.Get("/debug/metrics", rt.metricsSnapshot)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cart", rt.getCart)
		r.Delete("/cart", rt.clearCart)
		r.Post("/cart/items/{itemID}", rt.addItem)
		r.Delete("/cart/items/{itemID}", rt.removeItem)
		r.Get("/price", rt.getPrice)
		r.Get("/currency/profile", rt.getProfile)
	})

	r.Get("/ws/cart", rt.cartSignals)
	r.Get("/thumbnails/{itemID}", rt.thumbnail)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type cartLine struct {
	ItemID    string `json:"itemId"`
	Quantity  int    `json:"quantity"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Price     string `json:"price"`
	LineTotal string `json:"lineTotal"`
}

type cartResponse struct {
	Ready           bool       `json:"ready"`
	Count           int        `json:"count"`
	Total           string     `json:"total"`
	TotalText       string     `json:"totalText"`
	Currency        string     `json:"currency"`
	CatalogDegraded bool       `json:"catalogDegraded"`
	Items           []cartLine `json:"items"`
}

func (rt *routes) baseCurrency() string {
	if rt.currency != nil {
		return rt.currency.Base()
	}
	return "USD"
}

func (rt *routes) cartPayload() cartResponse {
	v := rt.cart.View()
	base := rt.baseCurrency()

	resp := cartResponse{
		Ready:           v.Ready,
		Count:           v.Count,
		Total:           v.Total.StringFixed(2),
		TotalText:       currency.FormatAmount(v.Total, base),
		Currency:        base,
		CatalogDegraded: v.CatalogDegraded,
		Items:           make([]cartLine, 0, len(v.Items)),
	}
	for _, it := range v.Items {
		resp.Items = append(resp.Items, cartLine{
			ItemID:    it.ItemID,
			Quantity:  it.Quantity,
			Title:     it.Item.Display.Title,
			Thumbnail: rt.thumbnailURL(it.ItemID, it.Item.Display.ThumbnailURL),
			Price:     it.Item.EffectivePrice().StringFixed(2),
			LineTotal: it.LineTotal().StringFixed(2),
		})
	}
	return resp
}

// thumbnailURL points at the local copy once it is cached, the remote one before.
func (rt *routes) thumbnailURL(itemID, remote string) string {
	if rt.thumbs != nil {
		if _, ok := rt.thumbs.Cached(itemID); ok {
			return "/thumbnails/" + url.PathEscape(itemID)
		}
	}
	return remote
}

func (rt *routes) thumbnail(w http.ResponseWriter, r *http.Request) {
	if rt.thumbs == nil {
		writeError(w, http.StatusServiceUnavailable, "thumbnails_unavailable", "thumbnail cache is not configured")
		return
	}
	path, ok := rt.thumbs.Cached(chi.URLParam(r, "itemID"))
	if !ok {
		writeError(w, http.StatusNotFound, "thumbnail_not_found", "no cached thumbnail for this item")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (rt *routes) getCart(w http.ResponseWriter, r *http.Request) {
	if rt.cart == nil {
		writeError(w, http.StatusServiceUnavailable, "cart_unavailable", "cart is not configured")
		return
	}
	writeJSON(w, http.StatusOK, rt.cartPayload())
}

func (rt *routes) addItem(w http.ResponseWriter, r *http.Request) {
	rt.mutate(w, r, func(ctx context.Context) error {
		return rt.cart.Add(ctx, chi.URLParam(r, "itemID"))
	})
}

func (rt *routes) removeItem(w http.ResponseWriter, r *http.Request) {
	rt.mutate(w, r, func(ctx context.Context) error {
		return rt.cart.Remove(ctx, chi.URLParam(r, "itemID"))
	})
}

func (rt *routes) clearCart(w http.ResponseWriter, r *http.Request) {
	rt.mutate(w, r, func(ctx context.Context) error {
		return rt.cart.Clear(ctx)
	})
}

func (rt *routes) mutate(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context) error) {
	if rt.cart == nil {
		writeError(w, http.StatusServiceUnavailable, "cart_unavailable", "cart is not configured")
		return
	}

	if err := apply(r.Context()); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidItemID):
			writeError(w, http.StatusBadRequest, "invalid_item_id", err.Error())
		case errors.Is(err, domain.ErrEngineStopped):
			writeError(w, http.StatusServiceUnavailable, "cart_stopped", err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, "request_cancelled", err.Error())
		default:
			slog.Error("Cart mutation failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "cart_write_failed", "cart could not be saved")
		}
		return
	}

	writeJSON(w, http.StatusOK, rt.cartPayload())
}

func (rt *routes) getPrice(w http.ResponseWriter, r *http.Request) {
	if rt.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "prices_unavailable", "price composer is not configured")
		return
	}

	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a non-negative decimal")
		return
	}

	code := strings.ToUpper(strings.TrimSpace(q.Get("currency")))
	if code == "" {
		code = rt.baseCurrency()
	}
	if !currency.ValidCode(code) {
		writeError(w, http.StatusBadRequest, "invalid_currency", "currency must be an ISO 4217 code")
		return
	}

	var alt *domain.Money
	if raw := strings.TrimSpace(q.Get("alt")); raw != "" {
		altAmount, err := decimal.NewFromString(raw)
		altCode := strings.ToUpper(strings.TrimSpace(q.Get("altCurrency")))
		if err != nil || altAmount.IsNegative() || !currency.ValidCode(altCode) {
			writeError(w, http.StatusBadRequest, "invalid_alt_price", "alt requires a non-negative amount and altCurrency")
			return
		}
		alt = &domain.Money{Amount: altAmount, Currency: altCode}
	}

	display, err := rt.prices.Compose(r.Context(), domain.Money{Amount: amount, Currency: code}, alt)
	if err != nil {
		writeError(w, http.StatusRequestTimeout, "request_cancelled", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, display)
}

type profileResponse struct {
	Profile  domain.CurrencyProfile `json:"profile"`
	Degraded bool                   `json:"degraded"`
}

func (rt *routes) getProfile(w http.ResponseWriter, r *http.Request) {
	if rt.currency == nil {
		writeError(w, http.StatusServiceUnavailable, "currency_unavailable", "currency service is not configured")
		return
	}
	p, err := rt.currency.DetectProfile(r.Context())
	if err != nil {
		writeError(w, http.StatusRequestTimeout, "request_cancelled", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: p, Degraded: rt.currency.Degraded()})
}

func (rt *routes) cartSignals(w http.ResponseWriter, r *http.Request) {
	if rt.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signals_unavailable", "cart signals are not configured")
		return
	}
	rt.signals.ServeHTTP(w, r)
}

func (rt *routes) health(w http.ResponseWriter, r *http.Request) {
	ready := false
	if rt.cart != nil {
		ready = rt.cart.View().Ready
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": ready})
}

func (rt *routes) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if rt.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics_unavailable", "metrics are not configured")
		return
	}
	writeJSON(w, http.StatusOK, rt.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"course_cart/internal/catalog"
	"course_cart/internal/currency"
	"course_cart/internal/domain"
	"course_cart/internal/engine"
	"course_cart/internal/handler"
	"course_cart/internal/infra"
	"course_cart/internal/infra/broadcast"
	"course_cart/internal/infra/storage"
	"course_cart/internal/service"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Metrics    *infra.Metrics
	Store      domain.KVStore
	Catalog    *catalog.Provider
	Engine     *engine.Engine
	Rates      *infra.ExchangeRateClient
	Currency   *currency.Service
	Prices     *service.PriceComposer
	Hub        *broadcast.Hub
	Thumbnails *infra.ThumbnailCache

	closeStore func() error
	syncing    atomic.Bool
	wg         sync.WaitGroup
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every component. Nothing runs
// until Start.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return b.InitializeWithConfig(cfg)
}

// InitializeWithConfig is Initialize for an already loaded Config.
func (b *Bootstrap) InitializeWithConfig(cfg *infra.Config) error {
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping course cart...", slog.String("version", cfg.App.Version))

	b.Metrics = infra.NewMetrics()

	switch cfg.Storage.Driver {
	case "memory":
		b.Store = storage.NewMemoryStore()
		b.closeStore = func() error { return nil }
	default:
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		b.Store = store
		b.closeStore = store.Close
	}
	slog.Info("Cart storage ready", slog.String("driver", cfg.Storage.Driver))

	thumbs, err := infra.NewThumbnailCache(cfg.Thumbnails.Dir, cfg.Thumbnails.Width, cfg.Thumbnails.Height)
	if err != nil {
		// Thumbnails are cosmetic; run without them.
		slog.Warn("Thumbnail cache disabled", slog.Any("error", err))
	}
	b.Thumbnails = thumbs

	b.Hub = broadcast.NewHub(b.Metrics)

	b.Catalog = catalog.NewProvider(
		infra.NewCatalogClient(cfg.Catalog.URL, time.Duration(cfg.Catalog.TimeoutSec)*time.Second),
		catalog.WithInterval(time.Duration(cfg.Catalog.PollIntervalSec)*time.Second),
		catalog.WithMetrics(b.Metrics),
	)

	b.Engine = engine.New(b.Store, cfg.Storage.CartKey,
		engine.WithMetrics(b.Metrics),
		engine.WithBroadcaster(b.Hub),
	)

	b.Rates = infra.NewExchangeRateClientWithConfig(cfg.Currency.RatesURL, cfg.Currency.RatesTTLSec, cfg.Currency.RetryAttempts)
	b.Currency = currency.NewService(
		infra.NewGeoClient(cfg.Currency.GeoURL),
		b.Rates,
		currency.WithBase(cfg.Currency.Base),
		currency.WithFallback(cfg.Currency.Fallback),
		currency.WithGeoTimeout(time.Duration(cfg.Currency.GeoTimeoutMS)*time.Millisecond),
		currency.WithMetrics(b.Metrics),
	)
	b.Prices = service.NewPriceComposer(b.Currency)

	return nil
}

// Router returns the HTTP surface over the initialized components.
func (b *Bootstrap) Router() http.Handler {
	opts := []handler.Option{
		handler.WithCart(b.Engine),
		handler.WithPrices(b.Prices),
		handler.WithCurrency(b.Currency),
		handler.WithSignals(b.Hub),
		handler.WithMetrics(b.Metrics),
	}
	if b.Thumbnails != nil {
		opts = append(opts, handler.WithThumbnails(b.Thumbnails))
	}
	return handler.NewRouter(opts...)
}

// Start runs the engine loop, wires catalog snapshots into it and starts
// background refreshes. Everything stops when ctx ends; call Stop to wait.
func (b *Bootstrap) Start(ctx context.Context) {
	go b.Engine.Run(ctx)

	b.Catalog.Subscribe(b.Engine.OnCatalog)
	b.Catalog.Subscribe(func(snap domain.CatalogSnapshot) {
		if snap.Degraded || b.Thumbnails == nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.SyncThumbnails(ctx, snap)
		}()
	})
	b.Catalog.Start(ctx)

	if err := b.Rates.Start(ctx); err != nil {
		slog.Error("Failed to start exchange rate client", slog.Any("error", err))
	}

	// Warm the session profile so the first price render does not wait on it.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.Currency.DetectProfile(ctx); err != nil {
			slog.Debug("Profile warm-up abandoned", slog.Any("error", err))
		}
	}()

	slog.Info("Course cart started")
}

// SyncThumbnails downloads missing thumbnails for snap in the background.
// At most one sync runs at a time; a snapshot arriving during a sync is skipped.
func (b *Bootstrap) SyncThumbnails(ctx context.Context, snap domain.CatalogSnapshot) {
	if !b.syncing.CompareAndSwap(false, true) {
		return
	}
	defer b.syncing.Store(false)

	slog.Debug("Starting thumbnail synchronization...", slog.Uint64("revision", snap.Revision))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for id, item := range snap.Items {
		if item.Display.ThumbnailURL == "" {
			continue
		}
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			if _, err := b.Thumbnails.Fetch(ctx, id, url); err != nil {
				slog.Warn("Failed to fetch thumbnail", slog.String("item", id), slog.Any("error", err))
			}
		}(id, item.Display.ThumbnailURL)
	}

	wg.Wait()
	slog.Debug("Thumbnail synchronization completed", slog.Uint64("revision", snap.Revision))
}

// Stop waits for background work after ctx passed to Start has ended and
// releases resources.
func (b *Bootstrap) Stop() {
	b.Catalog.Stop()
	b.Rates.Stop()
	b.Hub.Close()
	<-b.Engine.Done()
	b.wg.Wait()

	if b.closeStore != nil {
		if err := b.closeStore(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
	}
	slog.Info("Course cart stopped")
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/infra"
)

// State is the loading/error view of the catalog cache.
type State struct {
	Loading   bool      `json:"loading"`
	Loaded    bool      `json:"loaded"`
	Degraded  bool      `json:"degraded"`
	Revision  uint64    `json:"revision"`
	Items     int       `json:"items"`
	FetchedAt time.Time `json:"fetchedAt"`
	Err       error     `json:"-"`
}

// Option configures a Provider.
type Option func(*Provider)

// WithInterval sets the polling interval used by Start.
func WithInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider caches the published catalog and hands every applied result to
// its subscribers as a new CatalogSnapshot.
//
// Fetches may overlap. Each carries the sequence number it was issued with,
// and a result is applied only if no later-issued fetch has been applied.
type Provider struct {
	source   domain.CatalogSource
	interval time.Duration
	metrics  *infra.Metrics

	issued   atomic.Uint64
	inflight atomic.Int32

	mu          sync.RWMutex
	snap        domain.CatalogSnapshot
	lastApplied uint64
	lastErr     error

	subMu   sync.Mutex
	subs    map[uint64]func(domain.CatalogSnapshot)
	nextSub uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvider creates a Provider over source. Nothing is fetched until
// Fetch, Refresh or Start is called.
func NewProvider(source domain.CatalogSource, opts ...Option) *Provider {
	p := &Provider{
		source:   source,
		interval: 5 * time.Minute,
		metrics:  infra.NewMetrics(),
		subs:     make(map[uint64]func(domain.CatalogSnapshot)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch loads the catalog once and applies the result.
// A result whose ctx was cancelled, or that a later-issued fetch already
// superseded, is discarded.
func (p *Provider) Fetch(ctx context.Context) error {
	seq := p.issued.Add(1)
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	items, err := p.source.ListPublishedItems(ctx)
	p.metrics.RecordCatalogFetch(err != nil)

	if ctx.Err() != nil {
		p.metrics.RecordStaleResult()
		slog.Debug("Discarding catalog result for cancelled fetch", slog.Uint64("seq", seq))
		return ctx.Err()
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrCatalogUnavailable, err)
	}

	snap, applied := p.apply(seq, items, err)
	if !applied {
		p.metrics.RecordStaleResult()
		slog.Debug("Discarding superseded catalog result", slog.Uint64("seq", seq))
		return err
	}

	if err != nil {
		slog.Warn("Catalog fetch failed, keeping last snapshot",
			slog.Bool("loaded", snap.Loaded),
			slog.Any("error", err),
		)
	} else {
		slog.Debug("Catalog snapshot applied",
			slog.Uint64("revision", snap.Revision),
			slog.Int("items", len(snap.Items)),
		)
	}

	p.notify(snap)
	return err
}

func (p *Provider) apply(seq uint64, items []domain.CatalogItem, fetchErr error) (domain.CatalogSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq <= p.lastApplied {
		return domain.CatalogSnapshot{}, false
	}
	p.lastApplied = seq

	next := p.snap
	next.Revision++
	next.Degraded = fetchErr != nil
	p.lastErr = fetchErr

	if fetchErr == nil {
		m := make(map[string]domain.CatalogItem, len(items))
		for _, item := range items {
			m[item.ID] = item
		}
		next.Items = m
		next.Loaded = true
		next.FetchedAt = time.Now()
	}

	p.snap = next
	return next, true
}

// Refresh starts a fetch in the background. Errors are logged by Fetch.
func (p *Provider) Refresh(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.Fetch(ctx)
	}()
}

// Start fetches once and then refreshes on the configured interval until
// Stop is called or ctx ends.
func (p *Provider) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Catalog polling panic recovered", slog.Any("panic", r))
			}
		}()

		_ = p.Fetch(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Catalog polling stopped")
				return
			case <-ticker.C:
				_ = p.Fetch(ctx)
			}
		}
	}()
}

// Stop stops polling and waits for in-flight background fetches.
func (p *Provider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Snapshot returns the last applied snapshot.
func (p *Provider) Snapshot() domain.CatalogSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// State reports the loading/error state of the cache.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return State{
		Loading:   p.inflight.Load() > 0,
		Loaded:    p.snap.Loaded,
		Degraded:  p.snap.Degraded,
		Revision:  p.snap.Revision,
		Items:     len(p.snap.Items),
		FetchedAt: p.snap.FetchedAt,
		Err:       p.lastErr,
	}
}

// Subscribe registers fn for every applied snapshot.
func (p *Provider) Subscribe(fn func(domain.CatalogSnapshot)) (unsubscribe func()) {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Provider) notify(snap domain.CatalogSnapshot) {
	p.subMu.Lock()
	fns := make([]func(domain.CatalogSnapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

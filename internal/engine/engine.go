package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/event"
	"course_cart/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChangeReason says what produced a Change.
type ChangeReason string

const (
	ReasonMutation ChangeReason = "mutation"
	ReasonCatalog  ChangeReason = "catalog"
	ReasonPrune    ChangeReason = "prune"
)

// View is one consistent read of the cart. Before the engine is ready,
// Items is empty and Total/Count are zero: not authoritative, not "empty cart".
type View struct {
	Entries         []domain.CartEntry         `json:"entries"`
	Items           []domain.EnrichedCartEntry `json:"items"`
	Total           decimal.Decimal            `json:"total"`
	Count           int                        `json:"count"`
	Ready           bool                       `json:"ready"`
	CatalogDegraded bool                       `json:"catalogDegraded"`
}

// Change is delivered to subscribers after every state change.
type Change struct {
	Seq    uint64
	Reason ChangeReason
	View   View
}

// Broadcaster receives a signal for every cart change so independent
// surfaces (a header badge, another tab) can follow along.
type Broadcaster interface {
	Publish(sig domain.CartSignal)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBroadcaster sets the cross-context signal sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithInboxSize sets the inbox buffer size.
func WithInboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.inbox = make(chan event.Event, n)
		}
	}
}

// Engine is the cart reconciliation engine. All state changes happen on the
// single goroutine running Run; readers see the last published view.
type Engine struct {
	id          string
	inbox       chan event.Event
	pruneReq    chan struct{}
	done        chan struct{}
	running     atomic.Bool
	store       domain.KVStore
	key         string
	metrics     *infra.Metrics
	broadcaster Broadcaster

	nextSeq uint64 // loop goroutine only

	mu          sync.RWMutex
	entries     []domain.CartEntry
	snapshot    domain.CatalogSnapshot
	enriched    []domain.EnrichedCartEntry
	total       decimal.Decimal
	storeLoaded bool

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// New builds an engine and synchronously rebuilds the cart from store.
// Malformed or unreadable persisted data yields an empty cart.
func New(store domain.KVStore, key string, opts ...Option) *Engine {
	if key == "" {
		key = infra.DefaultCartKey
	}
	e := &Engine{
		id:       uuid.NewString(),
		inbox:    make(chan event.Event, 64),
		pruneReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
		store:    store,
		key:      key,
		metrics:  infra.NewMetrics(),
		subs:     make(map[uint64]func(Change)),
		total:    decimal.Zero,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.entries = e.load()
	e.storeLoaded = true
	return e
}

func (e *Engine) load() []domain.CartEntry {
	raw, found, err := e.store.Get(e.key)
	if err != nil {
		slog.Warn("Cart storage read failed, starting empty",
			slog.String("key", e.key),
			slog.Any("error", fmt.Errorf("%w: %w", domain.ErrStorageCorrupt, err)),
		)
		return []domain.CartEntry{}
	}
	if !found || len(raw) == 0 {
		return []domain.CartEntry{}
	}

	var entries []domain.CartEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		slog.Warn("Persisted cart is malformed, starting empty",
			slog.String("key", e.key),
			slog.Any("error", fmt.Errorf("%w: %w", domain.ErrStorageCorrupt, err)),
		)
		return []domain.CartEntry{}
	}
	return normalize(entries)
}

func (e *Engine) persist(entries []domain.CartEntry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return e.store.Set(e.key, b)
}

// ID identifies this engine instance as the origin of its signals.
func (e *Engine) ID() string {
	return e.id
}

// Run starts the event loop. It must be called once, in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		slog.Warn("Cart engine already running", slog.String("engine", e.id))
		return
	}
	defer close(e.done)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			e.DumpState("cart_panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	slog.Info("Cart engine started", slog.String("engine", e.id), slog.Int("entries", len(e.Items())))

	for {
		select {
		case <-ctx.Done():
			slog.Info("Cart engine stopping...")
			return
		case ev := <-e.inbox:
			e.processEvent(ev)
		case <-e.pruneReq:
			e.processEvent(&event.PruneEvent{})
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) processEvent(ev event.Event) {
	e.nextSeq++
	seq := e.nextSeq

	switch ev := ev.(type) {
	case *event.MutationEvent:
		ev.Seq = seq
		ev.Done <- e.applyMutation(seq, ev)
	case *event.CatalogEvent:
		ev.Seq = seq
		e.applySnapshot(seq, ev.Snapshot)
	case *event.PruneEvent:
		ev.Seq = seq
		e.applyPrune(seq)
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

func (e *Engine) applyMutation(seq uint64, ev *event.MutationEvent) error {
	e.mu.RLock()
	current, snap := e.entries, e.snapshot
	e.mu.RUnlock()

	next, changed := mutate(current, ev.Op, ev.ItemID)
	if !changed {
		return nil
	}

	if err := e.persist(next); err != nil {
		return fmt.Errorf("persist cart: %w", err)
	}

	e.metrics.RecordMutation()
	slog.Debug("Cart mutated", slog.String("op", ev.Op.String()), slog.String("item", ev.ItemID), slog.Uint64("seq", seq))
	e.publish(seq, ReasonMutation, next, snap)
	return nil
}

func (e *Engine) applySnapshot(seq uint64, snap domain.CatalogSnapshot) {
	e.mu.RLock()
	current, prev := e.entries, e.snapshot
	e.mu.RUnlock()

	if prev.Revision != 0 && snap.Revision <= prev.Revision {
		e.metrics.RecordStaleResult()
		slog.Debug("Dropping superseded catalog snapshot",
			slog.Uint64("revision", snap.Revision),
			slog.Uint64("current", prev.Revision),
		)
		return
	}

	e.publish(seq, ReasonCatalog, current, snap)
}

func (e *Engine) applyPrune(seq uint64) {
	e.mu.RLock()
	current, snap := e.entries, e.snapshot
	e.mu.RUnlock()

	_, stale := Reconcile(current, snap)
	if len(stale) == 0 {
		return
	}

	drop := make(map[string]bool, len(stale))
	for _, id := range stale {
		drop[id] = true
	}
	next, _ := without(current, drop)

	if err := e.persist(next); err != nil {
		// Stale entries stay hidden from the view; the next snapshot retries.
		slog.Warn("Failed to persist pruned cart", slog.Any("error", err))
		return
	}

	e.metrics.RecordPrune(len(stale))
	slog.Info("Pruned cart entries missing from catalog",
		slog.Any("items", stale),
		slog.Uint64("catalog_revision", snap.Revision),
	)
	e.publish(seq, ReasonPrune, next, snap)
}

// publish recomputes derived state, swaps it in and notifies.
func (e *Engine) publish(seq uint64, reason ChangeReason, entries []domain.CartEntry, snap domain.CatalogSnapshot) {
	enriched, stale := Reconcile(entries, snap)
	total := Total(enriched)

	e.mu.Lock()
	e.entries = entries
	e.snapshot = snap
	e.enriched = enriched
	e.total = total
	view := e.viewLocked()
	e.mu.Unlock()

	if len(stale) > 0 {
		e.requestPrune()
	}

	e.notify(Change{Seq: seq, Reason: reason, View: view})

	if e.broadcaster != nil {
		e.broadcaster.Publish(domain.CartSignal{
			Origin: e.id,
			Seq:    seq,
			Count:  view.Count,
			Total:  view.Total.StringFixed(2),
			Ready:  view.Ready,
			At:     time.Now(),
		})
	}
}

// requestPrune coalesces prune requests; at most one is pending.
func (e *Engine) requestPrune() {
	select {
	case e.pruneReq <- struct{}{}:
	default:
	}
}

// Add inserts itemID with quantity 1. Adding an existing item is a no-op.
func (e *Engine) Add(ctx context.Context, itemID string) error {
	return e.submit(ctx, event.OpAdd, itemID)
}

// Remove deletes itemID. Removing a missing item is a no-op.
func (e *Engine) Remove(ctx context.Context, itemID string) error {
	return e.submit(ctx, event.OpRemove, itemID)
}

// Clear empties the cart.
func (e *Engine) Clear(ctx context.Context) error {
	return e.submit(ctx, event.OpClear, "")
}

// submit hands a mutation to the loop and waits for it to be applied.
// If ctx ends after the mutation was queued it may still be applied.
func (e *Engine) submit(ctx context.Context, op event.Op, itemID string) error {
	itemID = strings.TrimSpace(itemID)
	if op != event.OpClear && itemID == "" {
		return domain.ErrInvalidItemID
	}

	ev := &event.MutationEvent{Op: op, ItemID: itemID, Done: make(chan error, 1)}

	select {
	case e.inbox <- ev:
	case <-e.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ev.Done:
		return err
	case <-e.done:
		select {
		case err := <-ev.Done:
			return err
		default:
			return domain.ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnCatalog queues a catalog snapshot for reconciliation. It blocks until the
// loop accepts it or the engine stops.
func (e *Engine) OnCatalog(snap domain.CatalogSnapshot) {
	select {
	case e.inbox <- &event.CatalogEvent{Snapshot: snap}:
	case <-e.done:
	}
}

// Subscribe registers fn for every Change. fn runs on the engine goroutine
// and must not block or call back into mutations.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) notify(c Change) {
	e.subMu.Lock()
	fns := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Cart subscriber panic recovered", slog.Any("panic", r))
				}
			}()
			fn(c)
		}()
	}
}

// Items returns the raw persisted entries.
func (e *Engine) Items() []domain.CartEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.CartEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// EnrichedItems returns the reconciled entries; empty until ready.
func (e *Engine) EnrichedItems() []domain.EnrichedCartEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked().Items
}

// Total returns Σ effective price * quantity over the enriched entries.
func (e *Engine) Total() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked().Total
}

// Count returns the number of valid entries.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked().Count
}

// IsReady reports whether the store is loaded and the catalog has loaded once.
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readyLocked()
}

// View returns a consistent snapshot of the cart.
func (e *Engine) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked()
}

func (e *Engine) readyLocked() bool {
	return e.storeLoaded && e.snapshot.Loaded
}

func (e *Engine) viewLocked() View {
	entries := make([]domain.CartEntry, len(e.entries))
	copy(entries, e.entries)

	v := View{
		Entries:         entries,
		Items:           []domain.EnrichedCartEntry{},
		Total:           decimal.Zero,
		Ready:           e.readyLocked(),
		CatalogDegraded: e.snapshot.Degraded,
	}
	if !v.Ready {
		return v
	}

	v.Items = make([]domain.EnrichedCartEntry, len(e.enriched))
	copy(v.Items, e.enriched)
	v.Total = e.total
	v.Count = Count(e.enriched)
	return v
}

// DumpState writes the current view to a file (for post-mortem).
func (e *Engine) DumpState(filename string) {
	slog.Info("Dumping cart state...", slog.String("file", filename))

	e.mu.RLock()
	data := struct {
		Engine   string `json:"engine"`
		Revision uint64 `json:"catalog_revision"`
		View     View   `json:"view"`
	}{
		Engine:   e.id,
		Revision: e.snapshot.Revision,
		View:     e.viewLocked(),
	}
	e.mu.RUnlock()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}

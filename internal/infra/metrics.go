package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Cart
	cartMutations atomic.Uint64
	prunedEntries atomic.Uint64

	// Catalog
	catalogFetches      atomic.Uint64
	catalogFailures     atomic.Uint64
	staleResultsDropped atomic.Uint64

	// Currency
	geoFallbacks       atomic.Uint64
	conversionFailures atomic.Uint64

	// Gauges
	broadcastClients atomic.Int32
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMutation records an applied add/remove/clear.
func (m *Metrics) RecordMutation() {
	m.cartMutations.Add(1)
}

// RecordPrune records entries removed by reconciliation.
func (m *Metrics) RecordPrune(n int) {
	m.prunedEntries.Add(uint64(n))
}

// RecordCatalogFetch records a completed catalog fetch.
func (m *Metrics) RecordCatalogFetch(failed bool) {
	m.catalogFetches.Add(1)
	if failed {
		m.catalogFailures.Add(1)
	}
}

// RecordStaleResult records an async result discarded as superseded or unwanted.
func (m *Metrics) RecordStaleResult() {
	m.staleResultsDropped.Add(1)
}

// RecordGeoFallback records a session that fell back to the default profile.
func (m *Metrics) RecordGeoFallback() {
	m.geoFallbacks.Add(1)
}

// RecordConversionFailure records a conversion that could not be priced.
func (m *Metrics) RecordConversionFailure() {
	m.conversionFailures.Add(1)
}

// IncrementClients increments connected broadcast clients by 1.
func (m *Metrics) IncrementClients() {
	m.broadcastClients.Add(1)
}

// DecrementClients decrements connected broadcast clients by 1.
func (m *Metrics) DecrementClients() {
	m.broadcastClients.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CartMutations       uint64    `json:"cart_mutations"`
	PrunedEntries       uint64    `json:"pruned_entries"`
	CatalogFetches      uint64    `json:"catalog_fetches"`
	CatalogFailures     uint64    `json:"catalog_failures"`
	StaleResultsDropped uint64    `json:"stale_results_dropped"`
	GeoFallbacks        uint64    `json:"geo_fallbacks"`
	ConversionFailures  uint64    `json:"conversion_failures"`
	BroadcastClients    int32     `json:"broadcast_clients"`
	Timestamp           time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CartMutations:       m.cartMutations.Load(),
		PrunedEntries:       m.prunedEntries.Load(),
		CatalogFetches:      m.catalogFetches.Load(),
		CatalogFailures:     m.catalogFailures.Load(),
		StaleResultsDropped: m.staleResultsDropped.Load(),
		GeoFallbacks:        m.geoFallbacks.Load(),
		ConversionFailures:  m.conversionFailures.Load(),
		BroadcastClients:    m.broadcastClients.Load(),
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.cartMutations.Store(0)
	m.prunedEntries.Store(0)
	m.catalogFetches.Store(0)
	m.catalogFailures.Store(0)
	m.staleResultsDropped.Store(0)
	m.geoFallbacks.Store(0)
	m.conversionFailures.Store(0)
	m.broadcastClients.Store(0)
}

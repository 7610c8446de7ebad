package engine

import (
	"course_cart/internal/domain"
	"course_cart/internal/event"

	"github.com/shopspring/decimal"
)

// Reconcile joins raw cart entries against a catalog snapshot.
//
// enriched holds, in entry order, every entry whose item resolves in the
// snapshot. stale lists the ids that do not resolve, but only once the
// snapshot has loaded successfully: before that nothing is "not found", it is
// merely not loaded yet. Reconcile performs no I/O and does not modify its inputs.
func Reconcile(entries []domain.CartEntry, snap domain.CatalogSnapshot) (enriched []domain.EnrichedCartEntry, stale []string) {
	enriched = make([]domain.EnrichedCartEntry, 0, len(entries))
	for _, entry := range entries {
		item, ok := snap.Lookup(entry.ItemID)
		if !ok {
			if snap.Loaded {
				stale = append(stale, entry.ItemID)
			}
			continue
		}
		enriched = append(enriched, domain.EnrichedCartEntry{CartEntry: entry, Item: item})
	}
	return enriched, stale
}

// Total sums effective price * quantity over enriched entries.
func Total(enriched []domain.EnrichedCartEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range enriched {
		total = total.Add(e.LineTotal())
	}
	return total
}

// Count is the number of valid entries, not the sum of quantities.
func Count(enriched []domain.EnrichedCartEntry) int {
	return len(enriched)
}

// mutate applies op to a copy of entries. changed is false for no-ops.
func mutate(entries []domain.CartEntry, op event.Op, itemID string) (next []domain.CartEntry, changed bool) {
	switch op {
	case event.OpAdd:
		for _, e := range entries {
			if e.ItemID == itemID {
				return entries, false
			}
		}
		next = make([]domain.CartEntry, len(entries), len(entries)+1)
		copy(next, entries)
		return append(next, domain.CartEntry{ItemID: itemID, Quantity: 1}), true

	case event.OpRemove:
		return without(entries, map[string]bool{itemID: true})

	case event.OpClear:
		if len(entries) == 0 {
			return entries, false
		}
		return []domain.CartEntry{}, true
	}
	return entries, false
}

// without returns entries minus every id in drop.
func without(entries []domain.CartEntry, drop map[string]bool) ([]domain.CartEntry, bool) {
	next := make([]domain.CartEntry, 0, len(entries))
	for _, e := range entries {
		if !drop[e.ItemID] {
			next = append(next, e)
		}
	}
	if len(next) == len(entries) {
		return entries, false
	}
	return next, true
}

// normalize enforces the persisted-list invariants on decoded data:
// non-empty ids, one entry per id, quantity >= 1.
func normalize(entries []domain.CartEntry) []domain.CartEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]domain.CartEntry, 0, len(entries))
	for _, e := range entries {
		if e.ItemID == "" || seen[e.ItemID] {
			continue
		}
		seen[e.ItemID] = true
		if e.Quantity < 1 {
			e.Quantity = 1
		}
		out = append(out, e)
	}
	return out
}

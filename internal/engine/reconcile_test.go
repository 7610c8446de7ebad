package engine

import (
	"testing"

	"course_cart/internal/domain"
	"course_cart/internal/event"

	"github.com/shopspring/decimal"
)

func TestReconcile(t *testing.T) {
	entries := []domain.CartEntry{{ItemID: "a", Quantity: 1}, {ItemID: "x", Quantity: 1}, {ItemID: "b", Quantity: 3}}

	t.Run("loaded snapshot flags missing ids", func(t *testing.T) {
		enriched, stale := Reconcile(entries, snapshot(1, item("a", "10"), item("b", "2.5")))
		if len(enriched) != 2 || enriched[0].ItemID != "a" || enriched[1].ItemID != "b" {
			t.Fatalf("Unexpected enriched order: %+v", enriched)
		}
		if len(stale) != 1 || stale[0] != "x" {
			t.Errorf("Expected stale [x], got %v", stale)
		}
		if !Total(enriched).Equal(decimal.RequireFromString("17.5")) {
			t.Errorf("Expected total 17.5, got %s", Total(enriched))
		}
		if Count(enriched) != 2 {
			t.Errorf("Count should be number of entries, got %d", Count(enriched))
		}
	})

	t.Run("unloaded snapshot flags nothing", func(t *testing.T) {
		enriched, stale := Reconcile(entries, domain.CatalogSnapshot{})
		if len(enriched) != 0 || len(stale) != 0 {
			t.Errorf("Expected nothing, got enriched=%v stale=%v", enriched, stale)
		}
	})

	t.Run("empty cart", func(t *testing.T) {
		enriched, stale := Reconcile(nil, snapshot(1, item("a", "10")))
		if len(enriched) != 0 || stale != nil || !Total(enriched).IsZero() {
			t.Error("Empty cart should reconcile to nothing")
		}
	})
}

func TestMutate(t *testing.T) {
	base := []domain.CartEntry{{ItemID: "a", Quantity: 1}}

	tests := []struct {
		name    string
		op      event.Op
		id      string
		changed bool
		want    []string
	}{
		{"add new", event.OpAdd, "b", true, []string{"a", "b"}},
		{"add existing", event.OpAdd, "a", false, []string{"a"}},
		{"remove existing", event.OpRemove, "a", true, []string{}},
		{"remove missing", event.OpRemove, "z", false, []string{"a"}},
		{"clear", event.OpClear, "", true, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, changed := mutate(base, tt.op, tt.id)
			if changed != tt.changed {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
			if len(next) != len(tt.want) {
				t.Fatalf("got %+v, want ids %v", next, tt.want)
			}
			for i, id := range tt.want {
				if next[i].ItemID != id {
					t.Errorf("next[%d] = %s, want %s", i, next[i].ItemID, id)
				}
			}
		})
	}

	if len(base) != 1 || base[0].ItemID != "a" {
		t.Errorf("mutate must not modify its input, got %+v", base)
	}
	if _, changed := mutate(nil, event.OpClear, ""); changed {
		t.Error("Clearing an empty cart is a no-op")
	}
}

package event

import "course_cart/internal/domain"

// Type identifies the kind of event processed by the cart loop.
type Type int

const (
	TypeMutation Type = iota + 1
	TypeCatalog
	TypePrune
)

func (t Type) String() string {
	switch t {
	case TypeMutation:
		return "MUTATION"
	case TypeCatalog:
		return "CATALOG"
	case TypePrune:
		return "PRUNE"
	default:
		return "UNKNOWN"
	}
}

// Event is anything the cart loop consumes from its inbox.
type Event interface {
	GetSeq() uint64
	GetType() Type
}

// BaseEvent carries the sequence number assigned by the loop on receipt.
type BaseEvent struct {
	Seq uint64
}

func (b *BaseEvent) GetSeq() uint64 { return b.Seq }

// Op is a cart mutation operation.
type Op int

const (
	OpAdd Op = iota + 1
	OpRemove
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpRemove:
		return "REMOVE"
	case OpClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

// MutationEvent asks the loop to apply an add/remove/clear.
// The loop writes exactly one result to Done.
type MutationEvent struct {
	BaseEvent
	Op     Op
	ItemID string
	Done   chan error
}

func (e *MutationEvent) GetType() Type { return TypeMutation }

// CatalogEvent delivers a new catalog snapshot.
type CatalogEvent struct {
	BaseEvent
	Snapshot domain.CatalogSnapshot
}

func (e *CatalogEvent) GetType() Type { return TypeCatalog }

// PruneEvent asks the loop to drop entries the catalog no longer resolves.
type PruneEvent struct {
	BaseEvent
}

func (e *PruneEvent) GetType() Type { return TypePrune }

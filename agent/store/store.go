package store

import (
	"context"
)

// Store holds the unbounded master stores. Readers go through ListMeta first
// and only fetch the few entries they selected with Get.
type Store interface {
	// Append stores e as of turn and returns its id. Ids grow monotonically.
	Append(ctx context.Context, e Entry, turn int) (int64, error)
	// Touch records that ids were referenced at turn. Unknown ids are ignored.
	Touch(ctx context.Context, ids []int64, turn int) error
	// Archive moves an active entry to the archive.
	Archive(ctx context.Context, id int64) error
	ListMeta(ctx context.Context, kind Kind) ([]Meta, error)
	// Get returns the active entries among ids, in ids order.
	Get(ctx context.Context, ids []int64) ([]Entry, error)
	ListArchived(ctx context.Context, kind Kind) ([]Entry, error)
}

// Catalog is the entity catalog (character and place sheets).
type Catalog interface {
	Entity(ctx context.Context, id string) (Entity, error)
	List(ctx context.Context) ([]Entity, error)
	// Upsert replaces the sheet and bumps its revision.
	Upsert(ctx context.Context, e Entity) (Entity, error)
}

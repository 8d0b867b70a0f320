// Package store defines the single-shard data access port the sharding layer
// routes to. One Store is one physically independent shard; it knows nothing
// about routing.
package store

import (
	"context"
	"errors"
	"maps"
)

var (
	ErrDuplicateKey = errors.New("duplicate primary key")
	ErrMissingKey   = errors.New("primary key attribute missing")
	// ErrRollback can be returned from a transaction body to abort it
	// without any other failure.
	ErrRollback = errors.New("transaction rolled back")
)

// Attributes is the attribute set of a record, keyed by attribute name.
type Attributes map[string]any

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes { return maps.Clone(a) }

// Record is a created record as the store persisted it.
type Record struct {
	Attributes Attributes
}

func (r Record) Get(name string) (any, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// Tx is the view of a store inside a transaction.
type Tx interface {
	Create(ctx context.Context, attrs Attributes) (Record, error)
}

// Store is one shard.
type Store interface {
	// Create persists a new record. Constraint violations and connection
	// failures are returned as store errors.
	Create(ctx context.Context, attrs Attributes) (Record, error)

	// Transaction runs fn in a transaction scope. The scope commits when fn
	// returns nil and rolls back on error or panic; a panic is re-raised
	// after the rollback.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Count returns the number of records in the shard.
	Count(ctx context.Context) (int, error)
}

// Closer is implemented by stores that hold connections.
type Closer interface {
	Close() error
}

package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

type MemOptions struct {
	// PrimaryKey is the attribute used for uniqueness (default "id").
	PrimaryKey string
}

// MemStore keeps records in memory. Transactions stage their creates and
// apply them atomically on commit.
type MemStore struct {
	mu   sync.RWMutex
	pk   string
	data map[any]Attributes
}

func NewMemStore(opts MemOptions) *MemStore {
	if opts.PrimaryKey == "" {
		opts.PrimaryKey = "id"
	}
	return &MemStore{pk: opts.PrimaryKey, data: map[any]Attributes{}}
}

func (m *MemStore) Create(ctx context.Context, attrs Attributes) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(attrs)
}

func (m *MemStore) insertLocked(attrs Attributes) (Record, error) {
	key, err := m.keyOf(attrs)
	if err != nil {
		return Record{}, err
	}
	if _, exists := m.data[key]; exists {
		return Record{}, fmt.Errorf("%w: %s=%v", ErrDuplicateKey, m.pk, key)
	}
	rec := attrs.Clone()
	m.data[key] = rec
	return Record{Attributes: rec.Clone()}, nil
}

func (m *MemStore) keyOf(attrs Attributes) (any, error) {
	key, ok := attrs[m.pk]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, m.pk)
	}
	if key != nil && !reflect.TypeOf(key).Comparable() {
		return nil, fmt.Errorf("primary key %s has unusable type %T", m.pk, key)
	}
	return key, nil
}

func (m *MemStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx := &memTx{store: m, staged: map[any]Attributes{}}

	defer func() {
		if r := recover(); r != nil {
			tx.staged = nil
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (m *MemStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

// Get returns the record stored under key.
func (m *MemStore) Get(key any) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data[key]
	if !ok {
		return Record{}, false
	}
	return Record{Attributes: a.Clone()}, true
}

type memTx struct {
	store  *MemStore
	order  []any
	staged map[any]Attributes
}

func (t *memTx) Create(ctx context.Context, attrs Attributes) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	pk := t.store.pk
	key, err := t.store.keyOf(attrs)
	if err != nil {
		return Record{}, err
	}
	if _, exists := t.staged[key]; exists {
		return Record{}, fmt.Errorf("%w: %s=%v", ErrDuplicateKey, pk, key)
	}
	t.store.mu.RLock()
	_, exists := t.store.data[key]
	t.store.mu.RUnlock()
	if exists {
		return Record{}, fmt.Errorf("%w: %s=%v", ErrDuplicateKey, pk, key)
	}
	rec := attrs.Clone()
	t.staged[key] = rec
	t.order = append(t.order, key)
	return Record{Attributes: rec.Clone()}, nil
}

func (t *memTx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// check first, so a conflicting concurrent commit leaves nothing behind
	for _, key := range t.order {
		if _, exists := t.store.data[key]; exists {
			return fmt.Errorf("%w: %s=%v", ErrDuplicateKey, t.store.pk, key)
		}
	}
	for _, key := range t.order {
		t.store.data[key] = t.staged[key]
	}
	return nil
}

var _ Store = (*MemStore)(nil)

package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/codewandler/clstr-sharding/ports/store"
)

// ErrTestShardDown is returned by TestCluster for shards marked down.
var ErrTestShardDown = errors.New("connection refused")

// TestCluster is an in-memory cluster for tests: one store.MemStore per
// shard, with opens counted and individual shards markable as down.
type TestCluster struct {
	Config *Config
	Name   string

	mu     sync.Mutex
	stores map[ShardID]*store.MemStore
	down   map[ShardID]bool
	opens  atomic.Int64
}

// NewTestCluster creates a modulo cluster called name with the given shards.
func NewTestCluster(t testing.TB, name string, shards ...ShardID) *TestCluster {
	t.Helper()
	specs := make([]ShardSpec, len(shards))
	for i, id := range shards {
		specs[i] = ShardSpec{ID: id, Driver: "memory"}
	}
	cfg := ClusterConfig{Name: name, Algorithm: AlgorithmModulo, Shards: specs}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test cluster: %s", err)
	}
	return &TestCluster{
		Config: &Config{Clusters: map[string]ClusterConfig{name: cfg}},
		Name:   name,
		stores: map[ShardID]*store.MemStore{},
		down:   map[ShardID]bool{},
	}
}

// Down makes opening id fail from now on.
func (c *TestCluster) Down(id ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[id] = true
}

// Store returns the store of id, creating it if needed.
func (c *TestCluster) Store(id ShardID) *store.MemStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[id]
	if !ok {
		s = store.NewMemStore(store.MemOptions{})
		c.stores[id] = s
	}
	return s
}

// Opens is the number of successful opens so far.
func (c *TestCluster) Opens() int64 { return c.opens.Load() }

// Open is an Opener handing out the shard's MemStore.
func (c *TestCluster) Open(_ context.Context, spec ShardSpec) (store.Store, error) {
	c.mu.Lock()
	down := c.down[spec.ID]
	c.mu.Unlock()
	if down {
		return nil, fmt.Errorf("dial %s: %w", spec.ID, ErrTestShardDown)
	}
	c.opens.Add(1)
	return c.Store(spec.ID), nil
}

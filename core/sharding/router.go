package sharding

import (
	"fmt"
	"maps"

	"github.com/codewandler/clstr-sharding/internal/hrw"
	"github.com/codewandler/clstr-sharding/internal/keyhash"
)

// Router maps a routing key to the shard holding it. Implementations are
// pure: same config and key, same shard, in every process.
type Router interface {
	Route(key any) (ShardID, error)
	Algorithm() Algorithm
}

// RouterFactory builds a Router for a cluster.
type RouterFactory func(cfg ClusterConfig) (Router, error)

// Routers is the set of algorithms available when binding a cluster.
type Routers map[Algorithm]RouterFactory

// DefaultRouters returns a fresh set containing the built-in algorithms.
// The result may be extended by the caller.
func DefaultRouters() Routers {
	return Routers{
		AlgorithmModulo:     func(cfg ClusterConfig) (Router, error) { return NewModuloRouter(cfg) },
		AlgorithmRendezvous: func(cfg ClusterConfig) (Router, error) { return NewRendezvousRouter(cfg) },
	}
}

// With returns a copy of r with alg registered.
func (r Routers) With(alg Algorithm, f RouterFactory) Routers {
	out := maps.Clone(r)
	if out == nil {
		out = Routers{}
	}
	out[alg] = f
	return out
}

// NewRouter selects the router for alg, falling back to cfg.Algorithm.
func NewRouter(cfg ClusterConfig, alg Algorithm, routers Routers) (Router, error) {
	if alg == "" {
		alg = cfg.Algorithm
	}
	if alg == "" {
		alg = AlgorithmModulo
	}
	if routers == nil {
		routers = DefaultRouters()
	}
	f, ok := routers[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	return f(cfg)
}

func routingKeyErr(key any, err error) error {
	return fmt.Errorf("%w: %v (%T): %w", ErrInvalidRoutingKey, key, key, err)
}

// === Modulo ===

// ModuloRouter picks shardIDs[hash(key) mod n]. Integer keys hash to
// themselves, so key 10 on three shards lands on the second one.
type ModuloRouter struct {
	shards []ShardID
}

func NewModuloRouter(cfg ClusterConfig) (*ModuloRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ModuloRouter{shards: cfg.ShardIDs()}, nil
}

func (r *ModuloRouter) Route(key any) (ShardID, error) {
	idx, err := keyhash.Index(key, len(r.shards))
	if err != nil {
		return "", routingKeyErr(key, err)
	}
	return r.shards[idx], nil
}

func (r *ModuloRouter) Algorithm() Algorithm { return AlgorithmModulo }

// === Rendezvous ===

// RendezvousRouter routes by highest random weight. Adding or removing a
// shard only moves the keys of that shard.
type RendezvousRouter struct {
	shards []ShardID
	names  []string
	seed   string
}

func NewRendezvousRouter(cfg ClusterConfig) (*RendezvousRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids := cfg.ShardIDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return &RendezvousRouter{shards: ids, names: names, seed: cfg.Seed}, nil
}

func (r *RendezvousRouter) Route(key any) (ShardID, error) {
	b, err := keyhash.Bytes(key)
	if err != nil {
		return "", routingKeyErr(key, err)
	}
	idx, _ := hrw.Best(b, r.names, r.seed)
	return r.shards[idx], nil
}

func (r *RendezvousRouter) Algorithm() Algorithm { return AlgorithmRendezvous }

var (
	_ Router = (*ModuloRouter)(nil)
	_ Router = (*RendezvousRouter)(nil)
)

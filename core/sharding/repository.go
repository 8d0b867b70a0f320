package sharding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codewandler/clstr-sharding/core/sf"
)

// Opener establishes the handle for one shard.
type Opener[H any] func(ctx context.Context, shard ShardSpec) (H, error)

// Fetcher hands out shard handles by id.
type Fetcher[H any] interface {
	Fetch(ctx context.Context, id ShardID) (H, error)
}

type RepositoryOptions[H any] struct {
	Cluster ClusterConfig
	Open    Opener[H]
	Log     *slog.Logger
	Metrics Metrics
}

// Repository owns one handle per shard of a cluster. Handles are opened on
// first use and kept for the lifetime of the repository.
type Repository[H any] struct {
	cluster ClusterConfig
	open    Opener[H]
	log     *slog.Logger
	metrics Metrics

	handles sync.Map // ShardID -> H
	opened  atomic.Int64
	flight  *sf.Group[ShardID, H]

	// mu orders storing a fresh handle against Close
	mu     sync.Mutex
	closed atomic.Bool
}

func NewRepository[H any](opts RepositoryOptions[H]) (*Repository[H], error) {
	if err := opts.Cluster.Validate(); err != nil {
		return nil, err
	}
	if opts.Open == nil {
		return nil, fmt.Errorf("sharding: RepositoryOptions.Open is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	return &Repository[H]{
		cluster: opts.Cluster.Clone(),
		open:    opts.Open,
		log:     opts.Log.With(slog.String("cluster", opts.Cluster.Name)),
		metrics: opts.Metrics,
		flight:  sf.New[ShardID, H](),
	}, nil
}

func (r *Repository[H]) Cluster() ClusterConfig { return r.cluster.Clone() }

// Fetch returns the handle for id, opening it on first request. Concurrent
// first requests share a single open attempt and its outcome. A failed open
// is not remembered; the next Fetch tries again.
func (r *Repository[H]) Fetch(ctx context.Context, id ShardID) (H, error) {
	if h, ok := r.handles.Load(id); ok {
		return h.(H), nil
	}

	var zero H
	if r.closed.Load() {
		return zero, shardErr(id, fmt.Errorf("%w: repository closed", ErrShardUnavailable))
	}
	spec, ok := r.cluster.Shard(id)
	if !ok {
		return zero, fmt.Errorf("%w: %q in cluster %q", ErrUnknownShard, id, r.cluster.Name)
	}

	h, shared, err := r.flight.Do(id, func() (H, error) {
		// a previous flight may have finished between Load and Do
		if h, ok := r.handles.Load(id); ok {
			return h.(H), nil
		}

		defer r.metrics.HandleOpenDuration(r.cluster.Name).ObserveDuration()

		h, err := r.open(ctx, spec)
		r.metrics.HandleOpened(r.cluster.Name, string(id), err == nil)
		if err != nil {
			r.log.Warn("open shard failed", slog.String("shard", string(id)), slog.Any("error", err))
			return zero, shardErr(id, fmt.Errorf("%w: %w", ErrShardUnavailable, err))
		}

		if !r.keep(id, h) {
			return zero, shardErr(id, fmt.Errorf("%w: repository closed", ErrShardUnavailable))
		}
		r.log.Debug("shard opened", slog.String("shard", string(id)))
		return h, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		r.log.Debug("shard open shared", slog.String("shard", string(id)))
	}
	return h, nil
}

// keep caches h unless the repository was closed while it was being opened,
// in which case h is closed and dropped.
func (r *Repository[H]) keep(id ShardID, h H) bool {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		if c, ok := any(h).(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.log.Warn("close late shard failed", slog.String("shard", string(id)), slog.Any("error", err))
			}
		}
		return false
	}
	r.handles.Store(id, h)
	r.mu.Unlock()
	r.metrics.HandlesOpen(r.cluster.Name, int(r.opened.Add(1)))
	return true
}

// All returns one handle per shard in configured order, opening missing
// ones. It fails on the first shard that cannot be opened.
func (r *Repository[H]) All(ctx context.Context) ([]H, error) {
	out := make([]H, 0, len(r.cluster.Shards))
	for _, s := range r.cluster.Shards {
		h, err := r.Fetch(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Close closes every opened handle that implements io.Closer. Fetch fails
// after Close.
func (r *Repository[H]) Close() error {
	r.mu.Lock()
	swapped := r.closed.CompareAndSwap(false, true)
	r.mu.Unlock()
	if !swapped {
		return nil
	}
	var errs []error
	for _, s := range r.cluster.Shards {
		h, ok := r.handles.LoadAndDelete(s.ID)
		if !ok {
			continue
		}
		r.metrics.HandlesOpen(r.cluster.Name, int(r.opened.Add(-1)))
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, shardErr(s.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

var _ Fetcher[any] = (*Repository[any])(nil)

package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"golang.org/x/sync/semaphore"
)

// DefaultParallelism bounds how many shard operations RunAll runs at once.
const DefaultParallelism = 32

// Operation runs against a single shard.
type Operation[H, T any] func(ctx context.Context, shard ShardID, h H) (T, error)

// Result is the outcome of an operation on one shard: either Value or Err.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Results holds exactly one Result per shard the operation was run against.
type Results[T any] map[ShardID]Result[T]

// Values returns the values of the successful shards.
func (r Results[T]) Values() map[ShardID]T {
	out := make(map[ShardID]T, len(r))
	for id, res := range r {
		if res.Err == nil {
			out[id] = res.Value
		}
	}
	return out
}

// Failed returns the errors of the failed shards.
func (r Results[T]) Failed() map[ShardID]error {
	out := map[ShardID]error{}
	for id, res := range r {
		if res.Err != nil {
			out[id] = res.Err
		}
	}
	return out
}

// Err joins all shard errors in shard id order, or returns nil if every
// shard succeeded.
func (r Results[T]) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	ids := make([]ShardID, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = failed[id]
	}
	return errors.Join(errs...)
}

type runOptions struct {
	parallelism int
	cluster     string
	log         *slog.Logger
	metrics     Metrics
}

type RunOption func(*runOptions)

// WithParallelism bounds concurrent shard operations. n <= 0 runs all shards
// at once.
func WithParallelism(n int) RunOption {
	return func(o *runOptions) { o.parallelism = n }
}

func WithRunLog(log *slog.Logger) RunOption {
	return func(o *runOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithRunMetrics reports per-shard outcomes labelled with cluster.
func WithRunMetrics(cluster string, m Metrics) RunOption {
	return func(o *runOptions) {
		o.cluster = cluster
		if m != nil {
			o.metrics = m
		}
	}
}

type shardOutcome[T any] struct {
	id  ShardID
	res Result[T]
}

// RunAll runs op against every shard in ids concurrently and collects one
// Result per shard. A failing shard neither cancels nor delays the others.
//
// If ctx is done before all shards have reported, RunAll stops waiting and
// marks the missing shards with ErrCancelled. Operations still running get
// the cancelled ctx but are not interrupted; their results are dropped.
func RunAll[H, T any](ctx context.Context, f Fetcher[H], ids []ShardID, op Operation[H, T], opts ...RunOption) Results[T] {
	o := runOptions{
		parallelism: DefaultParallelism,
		log:         slog.Default(),
		metrics:     NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ids = uniqueIDs(ids)
	limit := o.parallelism
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}

	defer o.metrics.FanOutDuration(o.cluster).ObserveDuration()

	results := make(Results[T], len(ids))
	if len(ids) == 0 {
		return results
	}
	if ctx.Err() != nil {
		for _, id := range ids {
			results[id] = Result[T]{Err: cancelledErr(ctx, id)}
			o.report(id, results[id].Err)
		}
		return results
	}

	var (
		sem = semaphore.NewWeighted(int64(limit))
		// buffered so late goroutines never block after we stop listening
		done = make(chan shardOutcome[T], len(ids))
	)

	for _, id := range ids {
		go func(id ShardID) {
			if err := sem.Acquire(ctx, 1); err != nil {
				done <- shardOutcome[T]{id: id, res: Result[T]{Err: cancelledErr(ctx, id)}}
				return
			}
			defer sem.Release(1)
			done <- shardOutcome[T]{id: id, res: runOne(ctx, f, id, op)}
		}(id)
	}

	for len(results) < len(ids) {
		select {
		case out := <-done:
			results[out.id] = out.res
			o.report(out.id, out.res.Err)
		case <-ctx.Done():
			for _, id := range ids {
				if _, ok := results[id]; ok {
					continue
				}
				results[id] = Result[T]{Err: cancelledErr(ctx, id)}
				o.report(id, results[id].Err)
			}
		}
	}
	return results
}

func runOne[H, T any](ctx context.Context, f Fetcher[H], id ShardID, op Operation[H, T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: shardErr(id, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))}
		}
	}()

	h, err := f.Fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrShardUnavailable) {
			err = fmt.Errorf("%w: %w", ErrShardUnavailable, err)
		}
		return Result[T]{Err: shardErr(id, err)}
	}
	v, err := op(ctx, id, h)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return Result[T]{Err: shardErr(id, err)}
	}
	return Result[T]{Value: v}
}

func (o *runOptions) report(id ShardID, err error) {
	outcome := OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		outcome = OutcomeCancelled
	case errors.Is(err, ErrShardUnavailable):
		outcome = OutcomeUnavailable
	default:
		outcome = OutcomeError
	}
	o.metrics.FanOutShardCompleted(o.cluster, string(id), outcome)
	if err != nil {
		o.log.Warn("shard operation failed", slog.String("cluster", o.cluster), slog.String("shard", string(id)), slog.String("outcome", outcome), slog.Any("error", err))
	}
}

func cancelledErr(ctx context.Context, id ShardID) error {
	return shardErr(id, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
}

func uniqueIDs(ids []ShardID) []ShardID {
	seen := make(map[ShardID]struct{}, len(ids))
	out := make([]ShardID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls that share a key. Keys are any
// string-like type, so callers can use their own identifier types directly.
type Group[K ~string, V any] struct {
	group singleflight.Group
}

// Do executes fn for key unless a call for the same key is already in
// flight, in which case it waits for that call and returns its outcome.
// shared reports whether the result was handed to more than one caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, shared bool, err error) {
	out, err, shared := g.group.Do(string(key), func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	v, _ = out.(V)
	return v, shared, nil
}

// Forget drops the in-flight record for key. A later Do for key runs fn
// again even if an earlier call has not returned yet.
func (g *Group[K, V]) Forget(key K) {
	g.group.Forget(string(key))
}

// New creates a Group for keys of type K and results of type V.
func New[K ~string, V any]() *Group[K, V] {
	return &Group[K, V]{}
}

package sharding

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func abcCluster() ClusterConfig {
	return ClusterConfig{
		Name:      "users",
		Algorithm: AlgorithmModulo,
		Shards:    []ShardSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
}

func TestModuloRouter_Route(t *testing.T) {
	r, err := NewModuloRouter(abcCluster())
	require.NoError(t, err)

	for key, want := range map[int]ShardID{0: "a", 1: "b", 2: "c", 3: "a", 10: "b", -1: "c"} {
		got, err := r.Route(key)
		require.NoError(t, err)
		require.Equal(t, want, got, "key %d", key)
	}
	require.Equal(t, AlgorithmModulo, r.Algorithm())
}

func TestModuloRouter_SameResidueSameShard(t *testing.T) {
	r, err := NewModuloRouter(abcCluster())
	require.NoError(t, err)

	for k := 0; k < 300; k++ {
		a, err := r.Route(k)
		require.NoError(t, err)
		b, err := r.Route(k + 3*17)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestRouters_AlwaysInCluster(t *testing.T) {
	cfg := abcCluster()
	ids := cfg.ShardIDs()

	for _, alg := range []Algorithm{AlgorithmModulo, AlgorithmRendezvous} {
		r, err := NewRouter(cfg, alg, nil)
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			for _, key := range []any{i, int64(-i), uint32(i), fmt.Sprintf("user-%d", i), []byte{byte(i)}} {
				id, err := r.Route(key)
				require.NoError(t, err)
				require.True(t, slices.Contains(ids, id), "%s routed %v outside cluster: %s", alg, key, id)
			}
		}
	}
}

func TestRouters_Deterministic(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmModulo, AlgorithmRendezvous} {
		r1, err := NewRouter(abcCluster(), alg, nil)
		require.NoError(t, err)
		r2, err := NewRouter(abcCluster(), alg, nil)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("tenant-%d", i)
			a, err := r1.Route(key)
			require.NoError(t, err)
			b, err := r2.Route(key)
			require.NoError(t, err)
			require.Equal(t, a, b)
		}
	}
}

func TestRouters_InvalidKey(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmModulo, AlgorithmRendezvous} {
		r, err := NewRouter(abcCluster(), alg, nil)
		require.NoError(t, err)

		_, err = r.Route(nil)
		require.ErrorIs(t, err, ErrInvalidRoutingKey)

		_, err = r.Route(struct{}{})
		require.ErrorIs(t, err, ErrInvalidRoutingKey)

		_, err = r.Route((*url.URL)(nil))
		require.ErrorIs(t, err, ErrInvalidRoutingKey)
	}
}

func TestRouters_DecodedKeysRouteLikeOriginals(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmModulo, AlgorithmRendezvous} {
		r, err := NewRouter(abcCluster(), alg, nil)
		require.NoError(t, err)

		for _, tc := range []struct {
			key     any
			decoded any
		}{
			{10, json.Number("10")},
			{-4, json.Number("-4")},
			{int64(0), json.Number("0")},
			{uint32(29), json.Number("29")},
			{"10", "10"},
		} {
			want, err := r.Route(tc.key)
			require.NoError(t, err)
			got, err := r.Route(tc.decoded)
			require.NoError(t, err)
			require.Equal(t, want, got, "%s: key %v", alg, tc.key)
		}

		for i := 0; i < 30; i++ {
			want, err := r.Route(i)
			require.NoError(t, err)
			got, err := r.Route(json.Number(fmt.Sprint(i)))
			require.NoError(t, err)
			require.Equal(t, want, got, "%s: key %d", alg, i)
		}
	}
}

func TestNewRouter_Selection(t *testing.T) {
	cfg := abcCluster()
	cfg.Algorithm = AlgorithmRendezvous

	r, err := NewRouter(cfg, "", nil)
	require.NoError(t, err)
	require.Equal(t, AlgorithmRendezvous, r.Algorithm())

	r, err = NewRouter(cfg, AlgorithmModulo, nil)
	require.NoError(t, err)
	require.Equal(t, AlgorithmModulo, r.Algorithm())

	_, err = NewRouter(cfg, "range", nil)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = NewRouter(ClusterConfig{Name: "empty"}, AlgorithmModulo, nil)
	require.ErrorIs(t, err, ErrInvalidCluster)
}

type firstShardRouter struct{ id ShardID }

func (r firstShardRouter) Route(any) (ShardID, error) { return r.id, nil }
func (r firstShardRouter) Algorithm() Algorithm       { return "first" }

func TestRouters_With(t *testing.T) {
	base := DefaultRouters()
	ext := base.With("first", func(cfg ClusterConfig) (Router, error) {
		return firstShardRouter{id: cfg.Shards[0].ID}, nil
	})

	_, ok := base["first"]
	require.False(t, ok, "With must not modify the receiver")

	r, err := NewRouter(abcCluster(), "first", ext)
	require.NoError(t, err)
	id, err := r.Route(99)
	require.NoError(t, err)
	require.Equal(t, ShardID("a"), id)
}

package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharding/ports/store"
)

func newUserModel(t *testing.T, c *TestCluster) *Model {
	t.Helper()
	m, err := NewModel(ModelOptions{Name: "user", Config: c.Config, Open: c.Open})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func setupUsers(t *testing.T) (*TestCluster, *Model) {
	t.Helper()
	c := NewTestCluster(t, "users", "a", "b", "c")
	m := newUserModel(t, c)
	require.NoError(t, m.UseSharding("users", AlgorithmModulo))
	require.NoError(t, m.DefineShardingKey("user_id"))
	return c, m
}

func unwrapStore(s store.Store) store.Store {
	if u, ok := s.(interface{ Unwrap() store.Store }); ok {
		return u.Unwrap()
	}
	return s
}

func TestModel_ShardFor(t *testing.T) {
	c, m := setupUsers(t)

	id, err := m.Route(10)
	require.NoError(t, err)
	require.Equal(t, ShardID("b"), id)

	s, err := m.ShardFor(t.Context(), 10)
	require.NoError(t, err)
	require.Same(t, c.Store("b"), unwrapStore(s))

	again, err := m.ShardFor(t.Context(), 10)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, int64(1), c.Opens())
}

func TestModel_Put(t *testing.T) {
	c, m := setupUsers(t)

	rec, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 10, "name": "ann"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ann", rec.Attributes["name"])

	got, ok := c.Store("b").Get(1)
	require.True(t, ok)
	require.Equal(t, 10, got.Attributes["user_id"])

	for _, id := range []ShardID{"a", "c"} {
		n, err := c.Store(id).Count(t.Context())
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

func TestModel_PutWithoutShardingKey(t *testing.T) {
	c := NewTestCluster(t, "users", "a", "b", "c")
	m := newUserModel(t, c)
	require.NoError(t, m.UseSharding("users", AlgorithmModulo))

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrShardingKeyNotConfigured)
	require.True(t, IsSetupError(err))
}

func TestModel_PutWithoutCluster(t *testing.T) {
	c := NewTestCluster(t, "users", "a")
	m := newUserModel(t, c)
	require.NoError(t, m.DefineShardingKey("user_id"))

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrRoutingNotConfigured)

	_, err = m.ShardFor(t.Context(), 1)
	require.ErrorIs(t, err, ErrRoutingNotConfigured)
	_, err = m.AllShards(t.Context())
	require.ErrorIs(t, err, ErrRoutingNotConfigured)
	_, err = m.Parallel(t.Context(), func(context.Context, ShardID, store.Store) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrRoutingNotConfigured)
}

func TestModel_PutMissingShardingKeyAttribute(t *testing.T) {
	c, m := setupUsers(t)

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "name": "ann"}, nil)
	require.ErrorIs(t, err, ErrMissingShardingKeyAttribute)

	_, err = m.Put(t.Context(), store.Attributes{"id": 1, "user_id": nil}, nil)
	require.ErrorIs(t, err, ErrMissingShardingKeyAttribute)

	require.NotPanics(t, func() {
		_, err = m.Put(t.Context(), store.Attributes{"id": 1, "user_id": (*url.URL)(nil)}, nil)
	})
	require.ErrorIs(t, err, ErrMissingShardingKeyAttribute)
	require.Zero(t, c.Opens())
}

func TestModel_ShardForTypedNilKey(t *testing.T) {
	c, m := setupUsers(t)

	require.NotPanics(t, func() {
		_, err := m.ShardFor(t.Context(), (*url.URL)(nil))
		require.ErrorIs(t, err, ErrInvalidRoutingKey)
	})
	require.Zero(t, c.Opens())
}

func TestModel_DecodedKeyRoutesToSameShard(t *testing.T) {
	c, m := setupUsers(t)

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": json.Number("10")}, nil)
	require.NoError(t, err)

	n, err := c.Store("b").Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestModel_PutInvalidRoutingKey(t *testing.T) {
	_, m := setupUsers(t)

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 1.5}, nil)
	require.ErrorIs(t, err, ErrInvalidRoutingKey)
}

func TestModel_PutPrimaryKeyValidation(t *testing.T) {
	c, m := setupUsers(t)

	_, err := m.Put(t.Context(), store.Attributes{"id": 0, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrInvalidPrimaryKey)

	_, err = m.Put(t.Context(), store.Attributes{"user_id": 10}, nil)
	require.ErrorIs(t, err, ErrMissingPrimaryKey)

	_, err = m.Put(t.Context(), store.Attributes{"id": nil, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrMissingPrimaryKey)

	var nilPtr *int
	_, err = m.Put(t.Context(), store.Attributes{"id": nilPtr, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrMissingPrimaryKey)

	// same checks inside a transaction
	called := false
	_, err = m.Put(t.Context(), store.Attributes{"id": int64(0), "user_id": 10}, func(context.Context, store.Tx, store.Record) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidPrimaryKey)
	require.False(t, called)

	n, err := c.Store("b").Count(t.Context())
	require.NoError(t, err)
	require.Zero(t, n, "rejected records must not be written")
}

func TestModel_DirectCreateIsValidated(t *testing.T) {
	c, m := setupUsers(t)

	shards, err := m.AllShards(t.Context())
	require.NoError(t, err)
	require.Len(t, shards, 3)

	_, err = shards[0].Create(t.Context(), store.Attributes{"id": 0})
	require.ErrorIs(t, err, ErrInvalidPrimaryKey)

	_, err = shards[0].Create(t.Context(), store.Attributes{"id": 5})
	require.NoError(t, err)

	n, err := c.Store("a").Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestModel_PutWithCallbackCommits(t *testing.T) {
	c, m := setupUsers(t)

	var seen store.Record
	rec, err := m.Put(t.Context(), store.Attributes{"id": 7, "user_id": 11}, func(ctx context.Context, tx store.Tx, rec store.Record) error {
		seen = rec
		_, err := tx.Create(ctx, store.Attributes{"id": 8, "user_id": 11, "parent": rec.Attributes["id"]})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, seen, rec)

	// 11 mod 3 == 2
	n, err := c.Store("c").Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestModel_PutWithCallbackRollsBack(t *testing.T) {
	c, m := setupUsers(t)
	boom := errors.New("boom")

	rec, err := m.Put(t.Context(), store.Attributes{"id": 7, "user_id": 11}, func(context.Context, store.Tx, store.Record) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Nil(t, rec.Attributes)

	var se *ShardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ShardID("c"), se.Shard)

	n, err := c.Store("c").Count(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestModel_PutStoreErrorTagged(t *testing.T) {
	_, m := setupUsers(t)

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 3}, nil)
	require.NoError(t, err)

	_, err = m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 3}, nil)
	require.ErrorIs(t, err, store.ErrDuplicateKey)
	var se *ShardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ShardID("a"), se.Shard)
}

func TestModel_PutShardUnavailable(t *testing.T) {
	c, m := setupUsers(t)
	c.Down("b")

	_, err := m.Put(t.Context(), store.Attributes{"id": 1, "user_id": 10}, nil)
	require.ErrorIs(t, err, ErrShardUnavailable)
}

func TestModel_BeforePut(t *testing.T) {
	c, m := setupUsers(t)

	require.NoError(t, m.BeforePut(func(_ context.Context, attrs store.Attributes) error {
		name, _ := attrs["name"].(string)
		if name == "" {
			return fmt.Errorf("name is required")
		}
		attrs["name"] = strings.ToUpper(name)
		// derive the sharding key
		attrs["user_id"] = attrs["id"]
		return nil
	}))

	rec, err := m.Put(t.Context(), store.Attributes{"id": 4, "name": "ann"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ANN", rec.Attributes["name"])

	_, ok := c.Store("b").Get(4)
	require.True(t, ok, "4 mod 3 == 1")

	_, err = m.Put(t.Context(), store.Attributes{"id": 5}, nil)
	require.EqualError(t, err, "name is required")
}

func TestModel_SettersOnce(t *testing.T) {
	_, m := setupUsers(t)

	require.ErrorIs(t, m.UseSharding("users", AlgorithmModulo), ErrAlreadyConfigured)
	require.ErrorIs(t, m.DefineShardingKey("other"), ErrAlreadyConfigured)
	require.Equal(t, "user_id", m.ShardingKey())

	hook := func(context.Context, store.Attributes) error { return nil }
	require.NoError(t, m.BeforePut(hook))
	require.ErrorIs(t, m.BeforePut(hook), ErrAlreadyConfigured)

	require.Error(t, m.DefineShardingKey(""))
	require.Error(t, m.BeforePut(nil))
}

func TestModel_UseShardingErrors(t *testing.T) {
	c := NewTestCluster(t, "users", "a", "b")
	m := newUserModel(t, c)

	require.ErrorIs(t, m.UseSharding("orders", AlgorithmModulo), ErrClusterNotFound)
	require.ErrorIs(t, m.UseSharding("users", "range"), ErrUnknownAlgorithm)

	_, err := m.Cluster()
	require.ErrorIs(t, err, ErrRoutingNotConfigured)

	require.NoError(t, m.UseSharding("users", ""))
	cfg, err := m.Cluster()
	require.NoError(t, err)
	require.Equal(t, "users", cfg.Name)

	noSource, err := NewModel(ModelOptions{Name: "x", Open: c.Open})
	require.NoError(t, err)
	require.ErrorIs(t, noSource.UseSharding("users", ""), ErrClusterNotFound)
}

func TestNewModel_Validation(t *testing.T) {
	_, err := NewModel(ModelOptions{Open: NewTestCluster(t, "x", "a").Open})
	require.Error(t, err)
	_, err = NewModel(ModelOptions{Name: "x"})
	require.Error(t, err)
}

func TestModel_AllShardsInParallel(t *testing.T) {
	c, m := setupUsers(t)
	seed(t, c.Store("a"), 5)
	seed(t, c.Store("b"), 7)
	c.Down("c")

	res, err := AllShardsInParallel(t.Context(), m, countRows)
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, 5, res["a"].Value)
	require.Equal(t, 7, res["b"].Value)
	require.ErrorIs(t, res["c"].Err, ErrShardUnavailable)

	_, err = m.AllShards(t.Context())
	require.ErrorIs(t, err, ErrShardUnavailable)
}

func TestModel_Parallel(t *testing.T) {
	_, m := setupUsers(t)

	res, err := m.Parallel(t.Context(), func(_ context.Context, id ShardID, _ store.Store) (any, error) {
		return string(id), nil
	})
	require.NoError(t, err)
	require.Equal(t, map[ShardID]any{"a": "a", "b": "b", "c": "c"}, res.Values())
}

package sharding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type conn struct {
	shard  ShardID
	closed atomic.Bool
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestRepository_FetchCaches(t *testing.T) {
	var opens atomic.Int32
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			opens.Add(1)
			return &conn{shard: s.ID}, nil
		},
	})
	require.NoError(t, err)

	h1, err := repo.Fetch(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, ShardID("b"), h1.shard)

	h2, err := repo.Fetch(t.Context(), "b")
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, int32(1), opens.Load())
}

func TestRepository_FetchSingleFlight(t *testing.T) {
	var (
		opens   atomic.Int32
		release = make(chan struct{})
	)
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			opens.Add(1)
			<-release
			return &conn{shard: s.ID}, nil
		},
	})
	require.NoError(t, err)

	const m = 50
	var (
		wg      sync.WaitGroup
		handles = make([]*conn, m)
		errs    = make([]error, m)
	)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = repo.Fetch(context.Background(), "a")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), opens.Load())
	for i := 0; i < m; i++ {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], handles[i])
	}
}

func TestRepository_FetchIndependentShards(t *testing.T) {
	blockA := make(chan struct{})
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			if s.ID == "a" {
				<-blockA
			}
			return &conn{shard: s.ID}, nil
		},
	})
	require.NoError(t, err)

	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		_, _ = repo.Fetch(context.Background(), "a")
	}()

	// b must not wait for the slow open of a
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	h, err := repo.Fetch(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, ShardID("b"), h.shard)

	close(blockA)
	<-doneA
}

func TestRepository_FetchFailure(t *testing.T) {
	refused := errors.New("connection refused")
	var fail atomic.Bool
	fail.Store(true)

	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			if fail.Load() {
				return nil, refused
			}
			return &conn{shard: s.ID}, nil
		},
	})
	require.NoError(t, err)

	_, err = repo.Fetch(t.Context(), "c")
	require.ErrorIs(t, err, ErrShardUnavailable)
	require.ErrorIs(t, err, refused)

	var se *ShardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ShardID("c"), se.Shard)

	// failures are not cached
	fail.Store(false)
	h, err := repo.Fetch(t.Context(), "c")
	require.NoError(t, err)
	require.Equal(t, ShardID("c"), h.shard)
}

func TestRepository_UnknownShard(t *testing.T) {
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open:    func(_ context.Context, s ShardSpec) (*conn, error) { return &conn{shard: s.ID}, nil },
	})
	require.NoError(t, err)

	_, err = repo.Fetch(t.Context(), "x")
	require.ErrorIs(t, err, ErrUnknownShard)
}

func TestRepository_All(t *testing.T) {
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open:    func(_ context.Context, s ShardSpec) (*conn, error) { return &conn{shard: s.ID}, nil },
	})
	require.NoError(t, err)

	b, err := repo.Fetch(t.Context(), "b")
	require.NoError(t, err)

	all, err := repo.All(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []ShardID{"a", "b", "c"}, []ShardID{all[0].shard, all[1].shard, all[2].shard})
	require.Same(t, b, all[1])
}

func TestRepository_AllFailure(t *testing.T) {
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			if s.ID == "b" {
				return nil, errors.New("down")
			}
			return &conn{shard: s.ID}, nil
		},
	})
	require.NoError(t, err)

	_, err = repo.All(t.Context())
	var se *ShardError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ShardID("b"), se.Shard)
	require.ErrorIs(t, err, ErrShardUnavailable)
}

func TestRepository_Close(t *testing.T) {
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open:    func(_ context.Context, s ShardSpec) (*conn, error) { return &conn{shard: s.ID}, nil },
	})
	require.NoError(t, err)

	all, err := repo.All(t.Context())
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	for _, h := range all {
		require.True(t, h.closed.Load())
	}

	_, err = repo.Fetch(t.Context(), "a")
	require.ErrorIs(t, err, ErrShardUnavailable)
	require.NoError(t, repo.Close())
}

func TestRepository_CloseDuringOpen(t *testing.T) {
	var (
		started = make(chan struct{})
		release = make(chan struct{})
		opened  *conn
	)
	repo, err := NewRepository(RepositoryOptions[*conn]{
		Cluster: abcCluster(),
		Open: func(_ context.Context, s ShardSpec) (*conn, error) {
			close(started)
			<-release
			opened = &conn{shard: s.ID}
			return opened, nil
		},
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := repo.Fetch(t.Context(), "a")
		errc <- err
	}()

	<-started
	require.NoError(t, repo.Close())
	close(release)

	require.ErrorIs(t, <-errc, ErrShardUnavailable)
	require.True(t, opened.closed.Load(), "handle opened after Close must be closed")

	_, err = repo.Fetch(t.Context(), "a")
	require.ErrorIs(t, err, ErrShardUnavailable)
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := NewRepository(RepositoryOptions[*conn]{Cluster: abcCluster()})
	require.Error(t, err)

	_, err = NewRepository(RepositoryOptions[*conn]{
		Cluster: ClusterConfig{Name: "x"},
		Open:    func(_ context.Context, s ShardSpec) (*conn, error) { return nil, nil },
	})
	require.ErrorIs(t, err, ErrInvalidCluster)
}

package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/codewandler/clstr-sharding/ports/store"
)

// BeforePutFunc may validate or transform the attributes of a Put before
// they are routed. Its error is returned unchanged.
type BeforePutFunc func(ctx context.Context, attrs store.Attributes) error

// PutCallback runs inside the transaction that created rec. Returning an
// error rolls the creation back.
type PutCallback func(ctx context.Context, tx store.Tx, rec store.Record) error

type ModelOptions struct {
	// Name identifies the model in logs.
	Name string
	// PrimaryKey is the identity attribute validated before every create
	// (default "id").
	PrimaryKey string
	// Config resolves cluster names in UseSharding.
	Config ConfigSource
	// Open establishes the store of a shard.
	Open Opener[store.Store]
	// Routers available to UseSharding (default DefaultRouters()).
	Routers Routers
	// Parallelism bounds AllShardsInParallel (default DefaultParallelism).
	Parallelism int
	Log         *slog.Logger
	Metrics     Metrics
}

// binding is the immutable per-model configuration. Setters publish a new
// copy; every call works on the snapshot it loaded.
type binding struct {
	cluster     ClusterConfig
	router      Router
	repo        *Repository[store.Store]
	shardingKey string
	beforePut   BeforePutFunc
}

// Model is the routing entry point for one record type: it binds the type to
// a cluster, names its sharding key and routes creates to the right shard.
type Model struct {
	name        string
	primaryKey  string
	source      ConfigSource
	open        Opener[store.Store]
	routers     Routers
	parallelism int
	log         *slog.Logger
	metrics     Metrics

	mu      sync.Mutex // serializes setters
	binding atomic.Pointer[binding]
}

func NewModel(opts ModelOptions) (*Model, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("sharding: ModelOptions.Name is required")
	}
	if opts.Open == nil {
		return nil, fmt.Errorf("sharding: ModelOptions.Open is required")
	}
	if opts.PrimaryKey == "" {
		opts.PrimaryKey = "id"
	}
	if opts.Routers == nil {
		opts.Routers = DefaultRouters()
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	m := &Model{
		name:        opts.Name,
		primaryKey:  opts.PrimaryKey,
		source:      opts.Config,
		open:        opts.Open,
		routers:     opts.Routers,
		parallelism: opts.Parallelism,
		log:         opts.Log.With(slog.String("model", opts.Name)),
		metrics:     opts.Metrics,
	}
	m.binding.Store(&binding{})
	return m, nil
}

func (m *Model) Name() string { return m.name }

// update applies fn to a copy of the current binding and publishes it.
func (m *Model) update(fn func(b *binding) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.binding.Load()
	if err := fn(&next); err != nil {
		return err
	}
	m.binding.Store(&next)
	return nil
}

// UseSharding binds the model to the named cluster using alg (empty means
// the algorithm of the cluster config). It may be called once.
func (m *Model) UseSharding(clusterName string, alg Algorithm) error {
	if m.source == nil {
		return fmt.Errorf("%w: %q: model has no config source", ErrClusterNotFound, clusterName)
	}
	cfg, err := m.source.Cluster(clusterName)
	if err != nil {
		return err
	}
	cfg.Name = clusterName

	router, err := NewRouter(cfg, alg, m.routers)
	if err != nil {
		return err
	}

	return m.update(func(b *binding) error {
		if b.router != nil {
			return fmt.Errorf("%w: model %q already uses cluster %q", ErrAlreadyConfigured, m.name, b.cluster.Name)
		}
		repo, err := NewRepository(RepositoryOptions[store.Store]{
			Cluster: cfg,
			Open:    m.openGuarded,
			Log:     m.log,
			Metrics: m.metrics,
		})
		if err != nil {
			return err
		}
		b.cluster, b.router, b.repo = cfg, router, repo
		m.log.Debug("sharding bound", slog.String("cluster", cfg.Name), slog.String("algorithm", string(router.Algorithm())), slog.Int("shards", len(cfg.Shards)))
		return nil
	})
}

// DefineShardingKey names the attribute whose value routes a record. It may
// be called once.
func (m *Model) DefineShardingKey(attr string) error {
	if attr == "" {
		return fmt.Errorf("sharding: sharding key attribute name is empty")
	}
	return m.update(func(b *binding) error {
		if b.shardingKey != "" {
			return fmt.Errorf("%w: model %q sharding key is %q", ErrAlreadyConfigured, m.name, b.shardingKey)
		}
		b.shardingKey = attr
		return nil
	})
}

// BeforePut installs the pre-creation hook. It may be called once.
func (m *Model) BeforePut(hook BeforePutFunc) error {
	if hook == nil {
		return fmt.Errorf("sharding: before put hook is nil")
	}
	return m.update(func(b *binding) error {
		if b.beforePut != nil {
			return fmt.Errorf("%w: model %q already has a before put hook", ErrAlreadyConfigured, m.name)
		}
		b.beforePut = hook
		return nil
	})
}

// Cluster returns the bound cluster config.
func (m *Model) Cluster() (ClusterConfig, error) {
	b := m.binding.Load()
	if b.router == nil {
		return ClusterConfig{}, ErrRoutingNotConfigured
	}
	return b.cluster.Clone(), nil
}

// PrimaryKey names the attribute validated before every create.
func (m *Model) PrimaryKey() string { return m.primaryKey }

// ShardingKey returns the configured sharding key attribute, or "".
func (m *Model) ShardingKey() string { return m.binding.Load().shardingKey }

// Route returns the shard id for key without opening the shard.
func (m *Model) Route(key any) (ShardID, error) {
	return m.route(m.binding.Load(), key)
}

func (m *Model) route(b *binding, key any) (ShardID, error) {
	if b.router == nil {
		return "", ErrRoutingNotConfigured
	}
	id, err := b.router.Route(key)
	m.metrics.RouteCompleted(b.cluster.Name, err == nil)
	return id, err
}

// ShardFor returns the store of the shard responsible for key.
func (m *Model) ShardFor(ctx context.Context, key any) (store.Store, error) {
	return m.shardFor(ctx, m.binding.Load(), key)
}

func (m *Model) shardFor(ctx context.Context, b *binding, key any) (store.Store, error) {
	id, err := m.route(b, key)
	if err != nil {
		return nil, err
	}
	return b.repo.Fetch(ctx, id)
}

// AllShards returns every shard store in cluster order.
func (m *Model) AllShards(ctx context.Context) ([]store.Store, error) {
	b := m.binding.Load()
	if b.repo == nil {
		return nil, ErrRoutingNotConfigured
	}
	return b.repo.All(ctx)
}

// AllShardsInParallel runs op on every shard concurrently and reports one
// result per shard. Shards that cannot be opened report ErrShardUnavailable.
func AllShardsInParallel[T any](ctx context.Context, m *Model, op Operation[store.Store, T]) (Results[T], error) {
	b := m.binding.Load()
	if b.repo == nil {
		return nil, ErrRoutingNotConfigured
	}
	return RunAll(ctx, b.repo, b.cluster.ShardIDs(), op,
		WithParallelism(m.parallelism),
		WithRunLog(m.log),
		WithRunMetrics(b.cluster.Name, m.metrics),
	), nil
}

// Parallel is AllShardsInParallel for operations without a typed result.
func (m *Model) Parallel(ctx context.Context, op Operation[store.Store, any]) (Results[any], error) {
	return AllShardsInParallel(ctx, m, op)
}

// Put creates a record on the shard its sharding key routes to.
//
// With a nil callback the record is created directly. Otherwise creation
// and callback share one transaction on that shard: the transaction commits
// when the callback returns nil and rolls back on any error or panic.
func (m *Model) Put(ctx context.Context, attrs store.Attributes, callback PutCallback) (rec store.Record, err error) {
	b := m.binding.Load()
	if b.shardingKey == "" {
		return rec, ErrShardingKeyNotConfigured
	}
	if b.router == nil {
		return rec, ErrRoutingNotConfigured
	}

	defer m.metrics.PutDuration(b.cluster.Name).ObserveDuration()
	defer func() { m.metrics.PutCompleted(b.cluster.Name, err == nil) }()

	if attrs == nil {
		attrs = store.Attributes{}
	}
	if b.beforePut != nil {
		if err = b.beforePut(ctx, attrs); err != nil {
			return rec, err
		}
	}

	key, ok := attrs[b.shardingKey]
	if !ok || isNil(key) {
		return rec, fmt.Errorf("%w: %q", ErrMissingShardingKeyAttribute, b.shardingKey)
	}

	id, err := m.route(b, key)
	if err != nil {
		return rec, err
	}
	s, err := b.repo.Fetch(ctx, id)
	if err != nil {
		return rec, err
	}

	if callback == nil {
		rec, err = s.Create(ctx, attrs)
		return rec, shardErr(id, err)
	}

	err = s.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err := tx.Create(ctx, attrs)
		if err != nil {
			return err
		}
		if err := callback(ctx, tx, created); err != nil {
			return err
		}
		rec = created
		return nil
	})
	if err != nil {
		m.log.Debug("put rolled back", slog.String("shard", string(id)), slog.Any("error", err))
		return store.Record{}, shardErr(id, err)
	}
	return rec, nil
}

// Close closes the shard stores opened by the model.
func (m *Model) Close() error {
	b := m.binding.Load()
	if b.repo == nil {
		return nil
	}
	return b.repo.Close()
}

// === primary key guard ===

func (m *Model) openGuarded(ctx context.Context, spec ShardSpec) (store.Store, error) {
	s, err := m.open(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &guardedStore{Store: s, pk: m.primaryKey}, nil
}

// validatePrimaryKey rejects records without a usable identity.
func validatePrimaryKey(pk string, attrs store.Attributes) error {
	v, ok := attrs[pk]
	if !ok || isNil(v) {
		return fmt.Errorf("%w: %q", ErrMissingPrimaryKey, pk)
	}
	if reflect.ValueOf(v).IsZero() {
		return fmt.Errorf("%w: %q is %v", ErrInvalidPrimaryKey, pk, v)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// guardedStore validates the primary key before every create, routed or
// not, so a rejected record never reaches the store.
type guardedStore struct {
	store.Store
	pk string
}

func (g *guardedStore) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	if err := validatePrimaryKey(g.pk, attrs); err != nil {
		return store.Record{}, err
	}
	return g.Store.Create(ctx, attrs)
}

func (g *guardedStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return g.Store.Transaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &guardedTx{Tx: tx, pk: g.pk})
	})
}

func (g *guardedStore) Close() error {
	if c, ok := g.Store.(store.Closer); ok {
		return c.Close()
	}
	return nil
}

// Unwrap returns the underlying store.
func (g *guardedStore) Unwrap() store.Store { return g.Store }

type guardedTx struct {
	store.Tx
	pk string
}

func (g *guardedTx) Create(ctx context.Context, attrs store.Attributes) (store.Record, error) {
	if err := validatePrimaryKey(g.pk, attrs); err != nil {
		return store.Record{}, err
	}
	return g.Tx.Create(ctx, attrs)
}

// IsSetupError reports whether err is a configuration mistake rather than a
// runtime failure.
func IsSetupError(err error) bool {
	return errors.Is(err, ErrShardingKeyNotConfigured) ||
		errors.Is(err, ErrRoutingNotConfigured) ||
		errors.Is(err, ErrClusterNotFound) ||
		errors.Is(err, ErrUnknownAlgorithm) ||
		errors.Is(err, ErrInvalidCluster) ||
		errors.Is(err, ErrAlreadyConfigured)
}

var _ store.Store = (*guardedStore)(nil)

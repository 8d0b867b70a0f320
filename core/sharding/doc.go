// Package sharding routes records to one of many independent stores
// ("shards") by a deterministic function of a sharding key.
//
// # Components
//
//   - [ClusterConfig]: a named, ordered list of shards plus the routing
//     algorithm, loaded through a [ConfigSource] such as [Config].
//   - [Router]: maps a key to a [ShardID]. [ModuloRouter] and
//     [RendezvousRouter] are built in; more algorithms can be added through
//     [Routers].
//   - [Repository]: opens one handle per shard on first use, with
//     single-flight creation, and keeps it.
//   - [RunAll]: fans an operation out to every shard concurrently and
//     collects one [Result] per shard.
//   - [Model]: the entry point for a record type, binding it to a cluster
//     and a sharding key.
//
// # Usage
//
//	cfg, err := sharding.LoadConfig("clusters.yaml")
//
//	users, err := sharding.NewModel(sharding.ModelOptions{
//	    Name:   "user",
//	    Config: cfg,
//	    Open:   openShard,
//	})
//	err = users.UseSharding("users", sharding.AlgorithmModulo)
//	err = users.DefineShardingKey("user_id")
//
//	rec, err := users.Put(ctx, store.Attributes{"id": 1, "user_id": 10}, nil)
//
//	counts, err := sharding.AllShardsInParallel(ctx, users,
//	    func(ctx context.Context, _ sharding.ShardID, s store.Store) (int, error) {
//	        return s.Count(ctx)
//	    })
//
// # Error Handling
//
// Setup mistakes ([ErrRoutingNotConfigured], [ErrShardingKeyNotConfigured],
// [ErrClusterNotFound]) are returned as soon as the call is made. Errors
// from a specific shard are wrapped in [ShardError]; during fan-out they are
// reported per shard in [Results] and never dropped.
//
// Cancelling the context of a fan-out stops waiting: shards that have not
// reported yet get [ErrCancelled], while their operations may still finish
// in the background.
package sharding

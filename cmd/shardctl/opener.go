package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/clstr-sharding/adapters/nats"
	"github.com/codewandler/clstr-sharding/adapters/sqlite"
	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/ports/store"
)

// newOpener opens each shard with the backend named by its driver.
func newOpener(o *options, log *slog.Logger) sharding.Opener[store.Store] {
	var (
		openSQLite = sqlite.Opener(o.table, []string{defaultSchema(o)}, log)
		openNats   = nats.Opener(o.natsPrefix, o.primaryKey, log)

		memMu  sync.Mutex
		memory = map[sharding.ShardID]*store.MemStore{}
	)

	return func(ctx context.Context, spec sharding.ShardSpec) (store.Store, error) {
		switch spec.Driver {
		case sqlite.DriverModernc, sqlite.DriverCgo:
			return openSQLite(ctx, spec)
		case "nats":
			return openNats(ctx, spec)
		case "", "memory":
			memMu.Lock()
			defer memMu.Unlock()
			s, ok := memory[spec.ID]
			if !ok {
				s = store.NewMemStore(store.MemOptions{PrimaryKey: o.primaryKey})
				memory[spec.ID] = s
			}
			return s, nil
		}
		return nil, fmt.Errorf("unknown driver %q for shard %s", spec.Driver, spec.ID)
	}
}

func defaultSchema(o *options) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (%q INTEGER PRIMARY KEY, %q INTEGER NOT NULL, name TEXT)`,
		o.table, o.primaryKey, o.shardingKey,
	)
}

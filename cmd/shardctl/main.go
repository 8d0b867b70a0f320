package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	promadapter "github.com/codewandler/clstr-sharding/adapters/prometheus"
	"github.com/codewandler/clstr-sharding/adapters/zookeeper"
	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/ports/store"
)

// === Config ===

type options struct {
	configPath  string
	zkServers   string
	cluster     string
	algorithm   string
	shardingKey string
	primaryKey  string
	table       string
	natsPrefix  string
	parallelism int
	logLevel    string
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	reg := prometheus.NewRegistry()

	root := &cobra.Command{
		Use:           "shardctl",
		Short:         "Route, write and inspect records of a sharded cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", getEnv("SHARDCTL_CONFIG", "clusters.yaml"), "cluster config file")
	f.StringVar(&opts.zkServers, "zk", getEnv("ZK_SERVERS", ""), "comma separated ZooKeeper servers; overrides --config")
	f.StringVar(&opts.cluster, "cluster", getEnv("CLUSTER", "users"), "cluster name")
	f.StringVar(&opts.algorithm, "algorithm", "", "routing algorithm (default: from cluster config)")
	f.StringVar(&opts.shardingKey, "sharding-key", "user_id", "sharding key attribute")
	f.StringVar(&opts.primaryKey, "primary-key", "id", "primary key attribute")
	f.StringVar(&opts.table, "table", "records", "sqlite table receiving records")
	f.StringVar(&opts.natsPrefix, "nats-prefix", "shardctl", "prefix of nats kv bucket names")
	f.IntVar(&opts.parallelism, "parallelism", getEnvInt("PARALLELISM", sharding.DefaultParallelism), "max concurrent shard operations")
	f.StringVar(&opts.logLevel, "log-level", getEnv("LOG_LEVEL", "warn"), "debug, info, warn or error")

	root.AddCommand(
		newRouteCmd(opts, reg),
		newPutCmd(opts, reg),
		newCountCmd(opts, reg),
		newBenchCmd(opts, reg),
	)
	return root
}

func (o *options) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *options) source(log *slog.Logger) (sharding.ConfigSource, func(), error) {
	if o.zkServers != "" {
		src, err := zookeeper.NewSource(zookeeper.SourceConfig{
			Servers: strings.Split(o.zkServers, ","),
			Log:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}
	cfg, err := sharding.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, func() {}, nil
}

// model binds a model to the configured cluster. Setup errors are returned
// before any shard is touched.
func (o *options) model(reg prometheus.Registerer) (*sharding.Model, func(), error) {
	log := o.logger()
	src, closeSrc, err := o.source(log)
	if err != nil {
		return nil, nil, err
	}

	m, err := sharding.NewModel(sharding.ModelOptions{
		Name:        o.cluster,
		PrimaryKey:  o.primaryKey,
		Config:      src,
		Open:        newOpener(o, log),
		Parallelism: o.parallelism,
		Log:         log,
		Metrics:     promadapter.NewShardingMetrics(reg),
	})
	if err == nil {
		err = m.UseSharding(o.cluster, sharding.Algorithm(o.algorithm))
	}
	if err == nil {
		err = m.DefineShardingKey(o.shardingKey)
	}
	if err != nil {
		closeSrc()
		return nil, nil, err
	}

	return m, func() {
		if err := m.Close(); err != nil {
			log.Warn("close shards", slog.Any("error", err))
		}
		closeSrc()
	}, nil
}

// parseValue turns CLI input into an attribute value: integers stay
// integers so they route by value.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}

func parseAttributes(args []string) (store.Attributes, error) {
	attrs := store.Attributes{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want name=value", a)
		}
		attrs[k] = parseValue(v)
	}
	return attrs, nil
}

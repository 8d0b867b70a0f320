package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/ports/store"
)

func newRouteCmd(opts *options, reg prometheus.Registerer) *cobra.Command {
	return &cobra.Command{
		Use:   "route KEY...",
		Short: "Print the shard each key routes to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := opts.model(reg)
			if err != nil {
				return err
			}
			defer done()

			for _, a := range args {
				id, err := m.Route(parseValue(a))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a, id)
			}
			return nil
		},
	}
}

func newPutCmd(opts *options, reg prometheus.Registerer) *cobra.Command {
	return &cobra.Command{
		Use:   "put NAME=VALUE...",
		Short: "Create a record on the shard its sharding key routes to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttributes(args)
			if err != nil {
				return err
			}
			m, done, err := opts.model(reg)
			if err != nil {
				return err
			}
			defer done()

			rec, err := m.Put(cmd.Context(), attrs, nil)
			if err != nil {
				return err
			}
			id, _ := m.Route(attrs[m.ShardingKey()])
			fmt.Fprintf(cmd.OutOrStdout(), "created on %s: %v\n", id, rec.Attributes)
			return nil
		},
	}
}

func newCountCmd(opts *options, reg prometheus.Registerer) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count records on every shard in parallel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := opts.model(reg)
			if err != nil {
				return err
			}
			defer done()

			res, err := sharding.AllShardsInParallel(cmd.Context(), m, func(ctx context.Context, _ sharding.ShardID, s store.Store) (int, error) {
				return s.Count(ctx)
			})
			if err != nil {
				return err
			}
			printCounts(cmd, res)
			if err := res.Err(); err != nil {
				return fmt.Errorf("%d of %d shards failed", len(res.Failed()), len(res))
			}
			return nil
		},
	}
}

func printCounts(cmd *cobra.Command, res sharding.Results[int]) {
	ids := make([]string, 0, len(res))
	for id := range res {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	total := 0
	out := cmd.OutOrStdout()
	for _, id := range ids {
		r := res[sharding.ShardID(id)]
		if r.Err != nil {
			fmt.Fprintf(out, "%s\terror: %s\n", id, r.Err)
			continue
		}
		total += r.Value
		fmt.Fprintf(out, "%s\t%d\n", id, r.Value)
	}
	fmt.Fprintf(out, "total\t%d\n", total)
}

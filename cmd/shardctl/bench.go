package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codewandler/clstr-sharding/core/sharding"
	"github.com/codewandler/clstr-sharding/ports/store"
)

type benchOptions struct {
	n           int
	batchSize   int
	concurrency int
	keys        int
	metricsAddr string
}

func newBenchCmd(opts *options, reg *prometheus.Registry) *cobra.Command {
	bo := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write N generated records and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := opts.model(reg)
			if err != nil {
				return err
			}
			defer done()

			if bo.metricsAddr != "" {
				srv := serveMetrics(bo.metricsAddr, reg, opts.logger())
				defer srv.Close()
			}
			return runBench(cmd.Context(), m, bo)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&bo.n, "n", "n", getEnvInt("N", 10_000), "records to write")
	f.IntVarP(&bo.batchSize, "batch", "b", getEnvInt("B", 1_000), "records per progress line")
	f.IntVarP(&bo.concurrency, "concurrency", "c", getEnvInt("C", 8), "concurrent writers")
	f.IntVar(&bo.keys, "keys", getEnvInt("KEYS", 1_000), "distinct sharding key values")
	f.StringVar(&bo.metricsAddr, "metrics-addr", getEnv("METRICS_ADDR", ""), "serve prometheus metrics on this address")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func runBench(ctx context.Context, m *sharding.Model, bo *benchOptions) error {
	if bo.n <= 0 || bo.concurrency <= 0 || bo.keys <= 0 || bo.batchSize <= 0 {
		return fmt.Errorf("n, batch, concurrency and keys must be positive")
	}

	var (
		next    atomic.Int64
		written atomic.Int64
		failed  atomic.Int64
		wg      sync.WaitGroup
		startAt = time.Now()
	)

	// record ids start after the current time so reruns against a
	// persistent backend do not collide
	base := startAt.UnixNano() / 1_000

	worker := func() {
		defer wg.Done()
		for ctx.Err() == nil {
			i := next.Add(1)
			if i > int64(bo.n) {
				return
			}
			attrs := store.Attributes{
				m.PrimaryKey():  base + i,
				m.ShardingKey(): int64(rand.IntN(bo.keys)),
				"name":          gonanoid.Must(8),
			}
			if _, err := m.Put(ctx, attrs, nil); err != nil {
				failed.Add(1)
				continue
			}
			if w := written.Add(1); w%int64(bo.batchSize) == 0 {
				printProgress(w, bo.batchSize)
			}
		}
	}

	wg.Add(bo.concurrency)
	for range bo.concurrency {
		go worker()
	}
	wg.Wait()

	// === stats ===
	took := time.Since(startAt)
	runtime.GC()

	fmt.Println("")
	fmt.Println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      written: %d\n", written.Load())
	fmt.Printf("       failed: %d\n", failed.Load())
	fmt.Printf("avg. writes/s: %d\n", int(float64(written.Load())/took.Seconds()))

	if f := failed.Load(); f > 0 {
		return fmt.Errorf("%d writes failed", f)
	}
	return ctx.Err()
}

var (
	progressMu   sync.Mutex
	lastProgress = time.Now()
)

func printProgress(written int64, batchSize int) {
	progressMu.Lock()
	defer progressMu.Unlock()

	mu := getMemUsage()
	n := time.Now()
	took := n.Sub(lastProgress)
	fmt.Printf(" | %8d total | %5d records | %6d ms | %6d records/s | (%d / %d) MiB mem (sys) |\n",
		written, batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
	lastProgress = n
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

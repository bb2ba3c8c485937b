package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/freeeve/segkv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchConfig struct {
	dir         string
	records     int
	reads       int
	writers     int
	threshold   string
	skipWrite   bool
	skipCompact bool
	lowMemory   bool
}

func main() {
	var cfg benchConfig
	root := &cobra.Command{
		Use:          "segkv-bench",
		Short:        "Write, read and compact a segkv store and report throughput",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := root.Flags()
	f.StringVar(&cfg.dir, "dir", "/tmp/segkv-bench", "Data directory")
	f.IntVar(&cfg.records, "records", 1_000_000, "Number of records to write")
	f.IntVar(&cfg.reads, "reads", 100_000, "Number of reads per phase")
	f.IntVar(&cfg.writers, "writers", 4, "Concurrent writers")
	f.StringVar(&cfg.threshold, "flush-threshold", "1MiB", "Memtable flush threshold")
	f.BoolVar(&cfg.skipWrite, "skip-write", false, "Skip write phase (use existing data)")
	f.BoolVar(&cfg.skipCompact, "skip-compact", false, "Skip compaction phase")
	f.BoolVar(&cfg.lowMemory, "low-memory", false, "Disable bloom filters and the block cache")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg benchConfig) error {
	threshold, err := humanize.ParseBytes(cfg.threshold)
	if err != nil {
		return errors.Wrap(err, "flush-threshold")
	}
	opts := segkv.DefaultOptions(cfg.dir)
	if cfg.lowMemory {
		opts = segkv.LowMemoryOptions(cfg.dir)
	}
	opts.FlushThresholdBytes = int64(threshold)

	fmt.Println("=== segkv benchmark ===")
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Records: %s, writers: %d\n", humanize.Comma(int64(cfg.records)), cfg.writers)
	fmt.Printf("Flush threshold: %s\n", humanize.IBytes(threshold))
	fmt.Printf("Data dir: %s\n\n", cfg.dir)

	if !cfg.skipWrite {
		if err := runWrite(ctx, opts, cfg); err != nil {
			return err
		}
	}

	fmt.Println("\n=== READ BEFORE COMPACTION ===")
	if err := runReads(opts, cfg); err != nil {
		return err
	}

	if !cfg.skipCompact {
		if err := runCompact(ctx, opts); err != nil {
			return err
		}
		fmt.Println("\n=== READ AFTER COMPACTION ===")
		if err := runReads(opts, cfg); err != nil {
			return err
		}
	}

	fmt.Println("\n=== BENCHMARK COMPLETE ===")
	return nil
}

func benchKey(i int) []byte { return fmt.Appendf(nil, "key%012d", i) }

func runWrite(ctx context.Context, opts segkv.Options, cfg benchConfig) error {
	fmt.Println("=== WRITE PHASE ===")
	if err := os.RemoveAll(cfg.dir); err != nil {
		return err
	}
	store, err := segkv.Open(cfg.dir, opts)
	if err != nil {
		return errors.Wrap(err, "open store")
	}

	var written, retries atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.writers; w++ {
		g.Go(func() error {
			for i := w; i < cfg.records; i += cfg.writers {
				e := segkv.Entry{Key: benchKey(i), Value: fmt.Appendf(nil, "val%012d", i)}
				for {
					err := store.Upsert(e)
					if err == nil {
						break
					}
					if !errors.Is(err, segkv.ErrFlushInProgress) {
						return errors.Wrapf(err, "put %d", i)
					}
					retries.Add(1)
					if err := store.WaitForBackground(gctx); err != nil {
						return err
					}
				}
				if n := written.Add(1); n%1_000_000 == 0 {
					report(start, n, int64(cfg.records))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		store.Close()
		return err
	}

	fmt.Println("Closing (final flush)...")
	if err := store.Close(); err != nil {
		return errors.Wrap(err, "close store")
	}
	elapsed := time.Since(start)
	fmt.Printf("\nWrite complete: %s records in %v (%.0f ops/sec), %s backpressure retries\n",
		humanize.Comma(written.Load()), elapsed.Truncate(time.Millisecond),
		float64(written.Load())/elapsed.Seconds(), humanize.Comma(retries.Load()))
	return nil
}

func report(start time.Time, n, total int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	elapsed := time.Since(start)
	fmt.Printf("[%s] Written: %s / %s (%.1f%%) | Avg: %.0f/s | Heap: %s\n",
		elapsed.Truncate(time.Second), humanize.Comma(n), humanize.Comma(total),
		float64(n)/float64(total)*100, float64(n)/elapsed.Seconds(), humanize.IBytes(m.HeapAlloc))
}

func runCompact(ctx context.Context, opts segkv.Options) error {
	fmt.Println("\n=== COMPACTION PHASE ===")
	store, err := segkv.Open(opts.Dir, opts)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	before := store.Stats()
	start := time.Now()
	if err := store.Compact(); err != nil {
		return err
	}
	if err := store.WaitForBackground(ctx); err != nil {
		return err
	}
	after := store.Stats()
	fmt.Printf("Compacted %d segments (%s) into %d (%s) in %v\n",
		len(before.Segments), humanize.IBytes(uint64(before.TotalSegmentBytes())),
		len(after.Segments), humanize.IBytes(uint64(after.TotalSegmentBytes())),
		time.Since(start).Truncate(time.Millisecond))
	return nil
}

func runReads(opts segkv.Options, cfg benchConfig) error {
	if cfg.records <= 0 {
		return nil
	}
	for _, cacheSize := range []int64{0, 64 << 20} {
		opts.BlockCacheSize = cacheSize
		store, err := segkv.Open(opts.Dir, opts)
		if err != nil {
			return errors.Wrap(err, "open store")
		}

		start := time.Now()
		found := 0
		for i := 0; i < cfg.reads; i++ {
			if _, err := store.Get(benchKey(rand.IntN(cfg.records))); err == nil {
				found++
			}
		}
		elapsed := time.Since(start)

		scanned, err := store.Count(benchKey(0), benchKey(1000))
		if err != nil {
			store.Close()
			return err
		}

		stats := store.Stats()
		fmt.Printf("Cache %s: %s reads in %v (%.0f/s) | Found: %s | Hit rate: %.1f%% | Scan 1000: %d\n",
			humanize.IBytes(uint64(cacheSize)), humanize.Comma(int64(cfg.reads)), elapsed.Truncate(time.Millisecond),
			float64(cfg.reads)/elapsed.Seconds(), humanize.Comma(int64(found)), stats.Cache.HitRate()*100, scanned)

		if err := store.Close(); err != nil {
			return err
		}
	}
	return nil
}

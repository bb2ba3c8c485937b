package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/freeeve/segkv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI holds injectable dependencies for testability.
type CLI struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
}

// NewCLI creates a CLI with default OS dependencies.
func NewCLI() *CLI {
	return &CLI{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
	}
}

// Run executes the CLI and returns an exit code (0 = success, 1 = error).
func (c *CLI) Run(args []string) int {
	root := c.rootCommand()
	if len(args) == 0 {
		root.Usage()
		return 1
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(c.Stderr, msgErr, err)
		return 1
	}
	return 0
}

func (c *CLI) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "segkv",
		Short: "CLI for segkv stores",
		Long: `segkv - CLI for segkv stores

Every setting can also come from a SEGKV_* environment variable
(SEGKV_DIR, SEGKV_FLUSH_THRESHOLD, ...) or a --config file.`,
		Example: `  export SEGKV_DIR=/path/to/store
  segkv put --key mykey --value "hello world"
  segkv get --key mykey
  segkv scan --prefix user: --limit 10
  segkv --dir /path/to/store stats`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.Stdout)
	root.SetErr(c.Stderr)
	root.SetIn(c.Stdin)
	addConfigFlags(root)

	root.AddCommand(
		c.getCommand(),
		c.putCommand(),
		c.deleteCommand(),
		c.scanCommand(),
		c.flushCommand(),
		c.compactCommand(),
		c.statsCommand(),
		c.shellCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(c.Stdout, "segkv "+versionString())
			},
		},
	)
	return root
}

// withStore resolves the configuration, opens the store and runs fn. The
// store is closed afterwards, which flushes anything fn wrote.
func (c *CLI) withStore(cmd *cobra.Command, fn func(*segkv.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(c.Stderr, cfg.LogLevel)
	defer logger.Sync()

	store, err := segkv.Open(cfg.Dir, cfg.options(logger))
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	fnErr := fn(store)
	if err := store.Close(); err != nil {
		logger.Error("close store", zap.Error(err))
		if fnErr == nil {
			fnErr = errors.Wrap(err, "close store")
		}
	}
	return fnErr
}

func (c *CLI) getCommand() *cobra.Command {
	var kf keyFlags
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a value by key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := kf.parse()
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store *segkv.Store) error {
				e, err := store.Get(key)
				if errors.Is(err, segkv.ErrKeyNotFound) {
					fmt.Fprintln(c.Stdout, "Key not found")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(e.Key), formatValue(e.Value))
				return nil
			})
		},
	}
	kf.register(cmd)
	return cmd
}

func (c *CLI) putCommand() *cobra.Command {
	var kf keyFlags
	var value, valueHex string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Put a key-value pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := kf.parse()
			if err != nil {
				return err
			}
			val, err := parseCLIValue(value, valueHex, cmd.Flags().Changed("value"))
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store *segkv.Store) error {
				if err := putRetry(cmd.Context(), store, segkv.Entry{Key: key, Value: val}); err != nil {
					return err
				}
				fmt.Fprintln(c.Stdout, "OK")
				return nil
			})
		},
	}
	kf.register(cmd)
	cmd.Flags().StringVar(&value, "value", "", "Value (string)")
	cmd.Flags().StringVar(&valueHex, "value-hex", "", "Value (hex encoded)")
	cmd.MarkFlagsMutuallyExclusive("value", "value-hex")
	return cmd
}

func (c *CLI) deleteCommand() *cobra.Command {
	var kf keyFlags
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := kf.parse()
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(store *segkv.Store) error {
				if err := putRetry(cmd.Context(), store, segkv.Tombstone(key)); err != nil {
					return err
				}
				fmt.Fprintln(c.Stdout, "Deleted")
				return nil
			})
		},
	}
	kf.register(cmd)
	return cmd
}

func (c *CLI) scanCommand() *cobra.Command {
	var from, to, prefix string
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan keys in a range or with a prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo, hi := parseHexPrefix(from), parseHexPrefix(to)
			if prefix != "" {
				if from != "" || to != "" {
					return errors.New("--prefix cannot be combined with --from or --to")
				}
				p := parseHexPrefix(prefix)
				lo, hi = p, prefixSuccessor(p)
			}
			return c.withStore(cmd, func(store *segkv.Store) error {
				it, err := store.Range(lo, hi)
				if err != nil {
					return err
				}
				defer it.Close()

				n := 0
				for (limit <= 0 || n < limit) && it.Next() {
					fmt.Fprintf(c.Stdout, "%s = %s\n", formatKey(it.Key()), formatValue(it.Value()))
					n++
				}
				fmt.Fprintf(c.Stdout, "(%d keys)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start key, inclusive (0x... for hex)")
	cmd.Flags().StringVar(&to, "to", "", "End key, exclusive (0x... for hex)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix (0x... for hex)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum keys to print, 0 for all")
	return cmd
}

func (c *CLI) flushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush the memtable to a segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store *segkv.Store) error {
				if err := store.Flush(); err != nil {
					return err
				}
				if err := store.WaitForBackground(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(c.Stdout, "Flushed")
				return nil
			})
		},
	}
}

func (c *CLI) compactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Merge all segments into one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store *segkv.Store) error {
				before := len(store.Stats().Segments)
				if err := store.Compact(); err != nil {
					return err
				}
				if err := store.WaitForBackground(cmd.Context()); err != nil {
					return err
				}
				after := len(store.Stats().Segments)
				fmt.Fprintf(c.Stdout, "Compacted %d segments into %d\n", before, after)
				return nil
			})
		},
	}
}

func (c *CLI) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store *segkv.Store) error {
				printStats(c.Stdout, store.Stats())
				return nil
			})
		},
	}
}

func (c *CLI) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL-like query shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(store *segkv.Store) error {
				NewShell(store, c.Stdout).Run()
				return nil
			})
		},
	}
}

// printStats writes a human-readable summary of stats to w.
func printStats(w io.Writer, stats segkv.StoreStats) {
	fmt.Fprintf(w, "Memtable: %s keys, %s\n",
		humanize.Comma(stats.ActiveEntries), humanize.IBytes(uint64(stats.ActiveBytes)))
	if stats.Flushing {
		fmt.Fprintf(w, "Flushing: %s keys, %s\n",
			humanize.Comma(stats.FlushingEntries), humanize.IBytes(uint64(stats.FlushingBytes)))
	}
	fmt.Fprintf(w, "Cache: %s hits, %s misses (%.1f%% hit rate)\n",
		humanize.Comma(int64(stats.Cache.Hits)), humanize.Comma(int64(stats.Cache.Misses)),
		stats.Cache.HitRate()*100)

	var keys, tombstones uint64
	for _, seg := range stats.Segments {
		fmt.Fprintf(w, "  [%06d] %s keys, %s tombstones, %d blocks, %s  %s .. %s\n",
			seg.ID, humanize.Comma(int64(seg.NumKeys)), humanize.Comma(int64(seg.Tombstones)),
			seg.Blocks, humanize.IBytes(uint64(seg.FileSize)), formatKey(seg.MinKey), formatKey(seg.MaxKey))
		keys += seg.NumKeys
		tombstones += seg.Tombstones
	}
	fmt.Fprintf(w, "Segments: %d, %s keys (%s tombstones), %s\n",
		len(stats.Segments), humanize.Comma(int64(keys)), humanize.Comma(int64(tombstones)),
		humanize.IBytes(uint64(stats.TotalSegmentBytes())))
}

// putRetry applies e, waiting out flush backpressure.
func putRetry(ctx context.Context, store *segkv.Store, e segkv.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		err := store.Upsert(e)
		if !errors.Is(err, segkv.ErrFlushInProgress) {
			return err
		}
		if err := store.WaitForBackground(ctx); err != nil {
			return err
		}
	}
}

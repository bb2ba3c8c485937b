package main

import (
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/freeeve/segkv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SEGKV"

// Config keys; each is also a persistent flag and a SEGKV_* variable.
const (
	keyDir            = "dir"
	keyConfig         = "config"
	keyFlushThreshold = "flush-threshold"
	keyCompression    = "compression"
	keyBlockSize      = "block-size"
	keyCacheSize      = "cache-size"
	keyLogLevel       = "log-level"
)

// config is the resolved configuration of one command invocation.
type config struct {
	Dir            string
	FlushThreshold int64
	Compression    segkv.CompressionType
	BlockSize      int
	CacheSize      int64
	LogLevel       zapcore.Level
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String(keyDir, "", "Store directory")
	f.String(keyConfig, "", "Configuration file (yaml, toml or json). Overridden by env vars and flags.")
	f.String(keyFlushThreshold, "4MiB", "Memtable size that triggers a flush")
	f.String(keyCompression, "zstd", "Block compression: zstd, snappy or none")
	f.String(keyBlockSize, "16KiB", "Target uncompressed block size")
	f.String(keyCacheSize, "32MiB", "Block cache capacity, 0 disables the cache")
	f.String(keyLogLevel, "warn", "Log level: debug, info, warn or error")
}

// loadConfig resolves flags, SEGKV_* variables and the optional config
// file, in that order of precedence.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	if file := v.GetString(keyConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	cfg := &config{Dir: v.GetString(keyDir)}
	if cfg.Dir == "" {
		return nil, errors.New("--dir is required (or set SEGKV_DIR)")
	}

	var err error
	if cfg.FlushThreshold, err = parseSize(v, keyFlushThreshold); err != nil {
		return nil, err
	}
	if cfg.CacheSize, err = parseSize(v, keyCacheSize); err != nil {
		return nil, err
	}
	blockSize, err := parseSize(v, keyBlockSize)
	if err != nil {
		return nil, err
	}
	cfg.BlockSize = int(blockSize)

	var ok bool
	if cfg.Compression, ok = segkv.ParseCompression(v.GetString(keyCompression)); !ok {
		return nil, errors.Errorf("unknown compression %q", v.GetString(keyCompression))
	}
	if cfg.LogLevel, err = zapcore.ParseLevel(v.GetString(keyLogLevel)); err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	return cfg, nil
}

// parseSize reads a byte size such as "4MiB", "512KB" or "1024".
func parseSize(v *viper.Viper, key string) (int64, error) {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return int64(n), nil
}

// options builds store options from the configuration.
func (cfg *config) options(logger *zap.Logger) segkv.Options {
	opts := segkv.DefaultOptions(cfg.Dir)
	if cfg.FlushThreshold > 0 {
		opts.FlushThresholdBytes = cfg.FlushThreshold
	}
	if cfg.BlockSize > 0 {
		opts.BlockSize = cfg.BlockSize
	}
	opts.Compression = cfg.Compression
	opts.BlockCacheSize = cfg.CacheSize
	opts.Logger = logger
	return opts
}

// newLogger writes console-encoded logs at level to w.
func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core).Named("segkv")
}

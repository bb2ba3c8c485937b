package segkv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures the Store behavior.
type Options struct {
	// Dir is the base directory for segment files and the manifest.
	Dir string

	// FlushThresholdBytes is the accumulated key+value size that triggers a
	// memtable flush.
	// Default: 4MB
	FlushThresholdBytes int64

	// Comparator orders keys.
	// Default: CompareKeys
	Comparator Comparator

	// BlockSize is the target block size before compression.
	// Default: 16KB
	BlockSize int

	// Compression determines which compression algorithm to use for new
	// segments. Segments written with another algorithm stay readable.
	// Default: CompressionZstd
	Compression CompressionType

	// CompressionLevel is the zstd compression level (ignored for snappy).
	// Default: 1 (fastest)
	CompressionLevel int

	// BloomFPRate is the target false positive rate for bloom filters.
	// Default: 0.01 (1%)
	BloomFPRate float64

	// DisableBloomFilter omits bloom filters from new segments.
	DisableBloomFilter bool

	// BlockCacheSize is the decoded block cache capacity in bytes.
	// Set to 0 to disable caching.
	// Default: 32MB
	BlockCacheSize int64

	// VerifyChecksums enables checksum verification on reads.
	// Default: true
	VerifyChecksums bool

	// Logger receives engine events. Default: zap.NewNop()
	Logger *zap.Logger

	// Registerer, if set, receives the store's Prometheus collectors.
	Registerer prometheus.Registerer
}

// CompressionType determines the compression algorithm.
type CompressionType int

const (
	// CompressionZstd uses zstd compression (good compression, fast).
	CompressionZstd CompressionType = iota
	// CompressionSnappy uses snappy compression (faster, less compression).
	CompressionSnappy
	// CompressionNone disables compression.
	CompressionNone
)

// String returns the configuration name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration name to a CompressionType.
func ParseCompression(name string) (CompressionType, bool) {
	switch name {
	case "zstd", "":
		return CompressionZstd, true
	case "snappy":
		return CompressionSnappy, true
	case "none":
		return CompressionNone, true
	}
	return 0, false
}

// closePollInterval bounds each wait slice while Close drains a flush.
const closePollInterval = 5 * time.Second

// DefaultOptions returns production-ready defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                 dir,
		FlushThresholdBytes: 4 * 1024 * 1024,  // 4MB
		Comparator:          CompareKeys,
		BlockSize:           16 * 1024,        // 16KB
		Compression:         CompressionZstd,
		CompressionLevel:    1,                // zstd fastest
		BloomFPRate:         0.01,             // 1% false positive
		BlockCacheSize:      32 * 1024 * 1024, // 32MB
		VerifyChecksums:     true,
		Logger:              zap.NewNop(),
	}
}

// LowMemoryOptions returns options for memory-constrained environments.
func LowMemoryOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.FlushThresholdBytes = 1024 * 1024
	opts.BlockCacheSize = 0
	opts.DisableBloomFilter = true
	return opts
}

// withDefaults fills zero-valued fields that have no meaningful zero.
func (o Options) withDefaults() Options {
	def := DefaultOptions(o.Dir)
	if o.FlushThresholdBytes <= 0 {
		o.FlushThresholdBytes = def.FlushThresholdBytes
	}
	if o.Comparator == nil {
		o.Comparator = def.Comparator
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.CompressionLevel <= 0 {
		o.CompressionLevel = def.CompressionLevel
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = def.BloomFPRate
	}
	if o.BlockCacheSize < 0 {
		o.BlockCacheSize = 0
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}

package segkv

import (
	"encoding/binary"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

// blockCache caches decoded data blocks keyed by segment and offset.
// A nil *blockCache is a valid, disabled cache.
type blockCache struct {
	cache *ristretto.Cache[string, *block]
}

// CacheStats reports block cache effectiveness.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns the hit fraction, or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// newBlockCache creates a cache holding up to capacity decoded bytes.
// A non-positive capacity disables caching.
func newBlockCache(capacity int64) (*blockCache, error) {
	if capacity <= 0 {
		return nil, nil
	}
	// Roughly ten counters per block that fits at the default block size.
	counters := capacity / (16 * 1024) * 10
	if counters < 1000 {
		counters = 1000
	}
	cache, err := ristretto.NewCache[string, *block](&ristretto.Config[string, *block]{
		NumCounters: counters,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create block cache")
	}
	return &blockCache{cache: cache}, nil
}

// cacheKey packs a segment id and block offset into 12 bytes. Segment ids
// are never reused, so stale entries of deleted segments are simply never
// hit again.
func cacheKey(segmentID uint32, offset uint64) string {
	var k [12]byte
	binary.BigEndian.PutUint32(k[:4], segmentID)
	binary.BigEndian.PutUint64(k[4:], offset)
	return string(k[:])
}

func (c *blockCache) get(segmentID uint32, offset uint64) (*block, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(cacheKey(segmentID, offset))
}

func (c *blockCache) put(segmentID uint32, offset uint64, b *block) {
	if c == nil {
		return
	}
	c.cache.Set(cacheKey(segmentID, offset), b, b.size)
}

func (c *blockCache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	return CacheStats{Hits: c.cache.Metrics.Hits(), Misses: c.cache.Metrics.Misses()}
}

func (c *blockCache) close() {
	if c != nil {
		c.cache.Close()
	}
}

package segkv

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

// IndexEntry points at one data block of a segment.
type IndexEntry struct {
	Key         []byte // First key in the block
	BlockOffset uint64 // File offset to the block
	BlockSize   uint32 // Size of the encoded block including its trailer
}

// Index is the sparse block index of a segment.
type Index struct {
	Entries []IndexEntry
	MinKey  []byte
	MaxKey  []byte
	NumKeys uint64
}

// indexBuilder records blocks while a segment is written.
type indexBuilder struct {
	index Index
}

// add records a finished block spanning [firstKey, lastKey].
func (ib *indexBuilder) add(firstKey, lastKey []byte, offset uint64, size uint32, keysInBlock int) {
	if ib.index.MinKey == nil {
		ib.index.MinKey = append([]byte{}, firstKey...)
	}
	ib.index.MaxKey = append([]byte{}, lastKey...)
	ib.index.NumKeys += uint64(keysInBlock)
	ib.index.Entries = append(ib.index.Entries, IndexEntry{
		Key:         append([]byte{}, firstKey...),
		BlockOffset: offset,
		BlockSize:   size,
	})
}

func (ib *indexBuilder) build() *Index {
	idx := ib.index
	return &idx
}

// Search finds the block that may contain key.
// Returns the index of the block, or -1 if key is out of range.
func (idx *Index) Search(key []byte, cmp Comparator) int {
	if len(idx.Entries) == 0 || cmp(key, idx.MinKey) < 0 || cmp(key, idx.MaxKey) > 0 {
		return -1
	}
	return idx.lastBlockAtOrBefore(key, cmp)
}

// SeekBlock returns the first block that may hold keys >= from, or
// len(Entries) when every key is smaller.
func (idx *Index) SeekBlock(from []byte, cmp Comparator) int {
	if len(idx.Entries) == 0 || cmp(from, idx.MaxKey) > 0 {
		return len(idx.Entries)
	}
	if cmp(from, idx.MinKey) <= 0 {
		return 0
	}
	return idx.lastBlockAtOrBefore(from, cmp)
}

// lastBlockAtOrBefore binary searches for the last entry with Key <= key.
func (idx *Index) lastBlockAtOrBefore(key []byte, cmp Comparator) int {
	lo, hi := 0, len(idx.Entries)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if cmp(idx.Entries[mid].Key, key) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// Serialize encodes the index for storage.
func (idx *Index) Serialize() []byte {
	size := 8 + 4 + len(idx.MinKey) + 4 + len(idx.MaxKey) + 4
	for _, e := range idx.Entries {
		size += 4 + len(e.Key) + 8 + 4
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, idx.NumKeys)
	buf = appendBytes(buf, idx.MinKey)
	buf = appendBytes(buf, idx.MaxKey)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.Entries)))
	for _, e := range idx.Entries {
		buf = appendBytes(buf, e.Key)
		buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.BlockSize)
	}
	return buf
}

// DeserializeIndex recreates an index from bytes.
func DeserializeIndex(data []byte) (*Index, error) {
	r := byteReader{data: data}
	idx := &Index{
		NumKeys: r.uint64(),
		MinKey:  r.bytes(),
		MaxKey:  r.bytes(),
	}

	n := r.uint32()
	if r.err == nil && uint64(n)*16 > uint64(len(data)) {
		return nil, ErrCorruptedData
	}
	idx.Entries = make([]IndexEntry, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		idx.Entries = append(idx.Entries, IndexEntry{
			Key:         r.bytes(),
			BlockOffset: r.uint64(),
			BlockSize:   r.uint32(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return idx, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// byteReader decodes little-endian fields, latching the first error.
type byteReader struct {
	data []byte
	pos  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = ErrCorruptedData
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *byteReader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// bytes returns a copy of a length-prefixed field.
func (r *byteReader) bytes() []byte {
	n := r.uint32()
	if b := r.take(int(n)); b != nil {
		return append([]byte{}, b...)
	}
	return nil
}

// BloomFilter wraps a bloom filter with serialization.
type BloomFilter struct {
	filter *bloom.BloomFilter
}

// NewBloomFilter creates a bloom filter for the expected number of keys.
func NewBloomFilter(numKeys uint, fpRate float64) *BloomFilter {
	if numKeys == 0 {
		numKeys = 1
	}
	return &BloomFilter{filter: bloom.NewWithEstimates(numKeys, fpRate)}
}

// Add adds a key to the bloom filter.
func (bf *BloomFilter) Add(key []byte) {
	bf.filter.Add(key)
}

// MayContain returns true if the key might be in the set.
// False positives are possible, but false negatives are not.
func (bf *BloomFilter) MayContain(key []byte) bool {
	return bf.filter.Test(key)
}

// Serialize encodes the bloom filter for storage.
func (bf *BloomFilter) Serialize() ([]byte, error) {
	return bf.filter.MarshalBinary()
}

// DeserializeBloomFilter recreates a bloom filter from bytes.
func DeserializeBloomFilter(data []byte) (*BloomFilter, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(ErrCorruptedData, err.Error())
	}
	return &BloomFilter{filter: filter}, nil
}

package segkv

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// maxBlockSize is the maximum allowed uncompressed block size (64MB).
// This prevents OOM from malformed blocks claiming huge uncompressed sizes.
const maxBlockSize = 64 * 1024 * 1024

// blockTrailerSize is checksum(4) + uncompressed_size(4) + compressed_size(4) + compression_type(1).
const blockTrailerSize = 13

// Compression type markers in block trailers
const (
	compressionTypeZstd   uint8 = 0
	compressionTypeSnappy uint8 = 1
	compressionTypeNone   uint8 = 2
)

// Entry kinds inside a data block
const (
	kindValue     uint8 = 0
	kindTombstone uint8 = 1
)

// recordOverhead is key_len(4) + kind(1) + val_len(4).
const recordOverhead = 9

// codec compresses new blocks and decompresses blocks of any supported type.
// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
type codec struct {
	compression CompressionType
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func newCodec(compression CompressionType, level int) (*codec, error) {
	if level < 1 {
		level = 1
	} else if level > 4 {
		level = 4
	}

	c := &codec{compression: compression}
	if compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, errors.Wrap(err, "create zstd encoder")
		}
		c.encoder = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		if c.encoder != nil {
			c.encoder.Close()
		}
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	c.decoder = dec
	return c, nil
}

// compress encodes raw and appends the block trailer.
func (c *codec) compress(raw []byte) ([]byte, error) {
	var out []byte
	var compType uint8

	switch c.compression {
	case CompressionSnappy:
		out = snappy.Encode(make([]byte, snappy.MaxEncodedLen(len(raw)), snappy.MaxEncodedLen(len(raw))+blockTrailerSize), raw)
		compType = compressionTypeSnappy
	case CompressionNone:
		out = append(make([]byte, 0, len(raw)+blockTrailerSize), raw...)
		compType = compressionTypeNone
	default:
		out = c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2+blockTrailerSize))
		compType = compressionTypeZstd
	}

	compressedSize := len(out)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(raw)))
	out = binary.LittleEndian.AppendUint32(out, uint32(compressedSize))
	return append(out, compType), nil
}

// decompress validates the trailer of data and returns the raw block bytes.
// The result never aliases data.
func (c *codec) decompress(data []byte, verifyChecksum bool) ([]byte, error) {
	if len(data) < blockTrailerSize {
		return nil, ErrCorruptedData
	}

	trailer := data[len(data)-blockTrailerSize:]
	payload := data[:len(data)-blockTrailerSize]
	checksum := binary.LittleEndian.Uint32(trailer[0:])
	uncompressedSize := binary.LittleEndian.Uint32(trailer[4:])
	compressedSize := binary.LittleEndian.Uint32(trailer[8:])
	compType := trailer[12]

	if uint32(len(payload)) != compressedSize || compType > compressionTypeNone {
		return nil, ErrCorruptedData
	}
	if verifyChecksum && crc32.ChecksumIEEE(payload) != checksum {
		return nil, ErrChecksumMismatch
	}
	if uncompressedSize > maxBlockSize {
		return nil, ErrCorruptedData
	}

	var raw []byte
	switch compType {
	case compressionTypeSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil || n != int(uncompressedSize) {
			return nil, ErrCorruptedData
		}
		raw, err = snappy.Decode(make([]byte, n), payload)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptedData, err.Error())
		}
	case compressionTypeNone:
		raw = append([]byte(nil), payload...)
	default:
		var err error
		raw, err = c.decoder.DecodeAll(payload, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, errors.Wrap(ErrCorruptedData, err.Error())
		}
	}

	if len(raw) != int(uncompressedSize) {
		return nil, ErrCorruptedData
	}
	return raw, nil
}

func (c *codec) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}

// blockBuilder accumulates encoded records for one data block.
type blockBuilder struct {
	buf       []byte
	count     int
	firstKey  []byte
	lastKey   []byte
	blockSize int
}

func newBlockBuilder(blockSize int) *blockBuilder {
	return &blockBuilder{
		buf:       make([]byte, 4, blockSize+1024),
		blockSize: blockSize,
	}
}

// Add appends e to the block.
// Returns false if the block is full; an empty block accepts any entry.
func (b *blockBuilder) Add(e Entry) bool {
	n := recordOverhead + len(e.Key) + len(e.Value)
	if b.count > 0 && len(b.buf)+n > b.blockSize {
		return false
	}

	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(e.Key)))
	b.buf = append(b.buf, e.Key...)
	if e.IsTombstone() {
		b.buf = append(b.buf, kindTombstone)
	} else {
		b.buf = append(b.buf, kindValue)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(e.Value)))
	b.buf = append(b.buf, e.Value...)

	if b.count == 0 {
		b.firstKey = e.Key
	}
	b.lastKey = e.Key
	b.count++
	return true
}

// Finish encodes the block with c. The builder must be Reset before reuse.
func (b *blockBuilder) Finish(c *codec) ([]byte, error) {
	binary.LittleEndian.PutUint32(b.buf[0:], uint32(b.count))
	return c.compress(b.buf)
}

// Reset clears the builder for reuse.
func (b *blockBuilder) Reset() {
	b.buf = b.buf[:4]
	b.count = 0
	b.firstKey = nil
	b.lastKey = nil
}

// Count returns the number of entries in the block.
func (b *blockBuilder) Count() int {
	return b.count
}

// block is a decoded data block. Entries reference the decoded buffer,
// which is never reused, so a block may be shared through the cache.
type block struct {
	entries []Entry
	size    int64
}

// decodeBlock decompresses data and parses its records.
func decodeBlock(data []byte, c *codec, verifyChecksum bool) (*block, error) {
	raw, err := c.decompress(data, verifyChecksum)
	if err != nil {
		return nil, err
	}
	return parseBlock(raw)
}

func parseBlock(raw []byte) (*block, error) {
	if len(raw) < 4 {
		return nil, ErrCorruptedData
	}
	count := binary.LittleEndian.Uint32(raw)
	if int64(count)*recordOverhead > int64(len(raw)) {
		return nil, ErrCorruptedData
	}

	b := &block{entries: make([]Entry, 0, count), size: int64(len(raw))}
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(raw) {
			return nil, ErrCorruptedData
		}
		keyLen := int(binary.LittleEndian.Uint32(raw[pos:]))
		pos += 4
		if keyLen > len(raw)-pos-5 {
			return nil, ErrCorruptedData
		}
		key := raw[pos : pos+keyLen : pos+keyLen]
		pos += keyLen

		kind := raw[pos]
		valLen := int(binary.LittleEndian.Uint32(raw[pos+1:]))
		pos += 5
		if valLen > len(raw)-pos {
			return nil, ErrCorruptedData
		}

		e := Entry{Key: key}
		switch kind {
		case kindValue:
			e.Value = raw[pos : pos+valLen : pos+valLen]
		case kindTombstone:
			if valLen != 0 {
				return nil, ErrCorruptedData
			}
		default:
			return nil, ErrCorruptedData
		}
		pos += valLen
		b.entries = append(b.entries, e)
	}
	return b, nil
}

// search returns the position of key in the block, or -1.
func (b *block) search(key []byte, cmp Comparator) int {
	i := b.seek(key, cmp)
	if i < len(b.entries) && cmp(b.entries[i].Key, key) == 0 {
		return i
	}
	return -1
}

// seek returns the position of the first entry with key >= target.
func (b *block) seek(target []byte, cmp Comparator) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return cmp(b.entries[i].Key, target) >= 0
	})
}

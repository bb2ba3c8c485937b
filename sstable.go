package segkv

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/freeeve/msgpck"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Segment magic number and version
const (
	segmentMagic   uint64 = 0x53454B56_00000001 // "SEKV" + version 1
	segmentVersion        = 1
)

// segmentFooterSize is the fixed size of the footer in bytes.
const segmentFooterSize = 64

const (
	segmentExt = ".seg"
	tmpExt     = ".tmp"
)

func segmentFileName(id uint32) string {
	return fmt.Sprintf("%06d%s", id, segmentExt)
}

// segmentFooter is the fixed-size footer at the end of each segment.
type segmentFooter struct {
	BloomOffset   uint64
	BloomSize     uint32
	IndexOffset   uint64
	IndexSize     uint32
	MetaOffset    uint64
	MetaSize      uint32
	NumDataBlocks uint32
	NumKeys       uint64
	FileSize      uint64
	Magic         uint64
}

// segmentMeta is stored as a msgpack map in the meta block.
type segmentMeta struct {
	Version       int
	NumEntries    uint64
	NumTombstones uint64
	CreatedAt     int64
}

// segment is an open, immutable segment file. Its file stays open while
// the segment list or any reader references it.
type segment struct {
	id     uint32
	path   string
	footer segmentFooter
	meta   segmentMeta
	index  *Index
	bloom  *BloomFilter
	size   int64
	file   *os.File
	logger *zap.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
}

// openSegment opens a segment file and loads its bloom filter, index and
// metadata. The returned segment holds one reference.
func openSegment(id uint32, path string, logger *zap.Logger) (*segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	seg, err := loadSegment(id, path, file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "load segment %s", filepath.Base(path))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seg.logger = logger
	seg.refs.Store(1)
	return seg, nil
}

func loadSegment(id uint32, path string, file *os.File) (*segment, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()
	if fileSize < segmentFooterSize {
		return nil, ErrInvalidSegment
	}

	footerBuf := make([]byte, segmentFooterSize)
	if _, err := file.ReadAt(footerBuf, fileSize-segmentFooterSize); err != nil {
		return nil, err
	}
	footer := parseFooter(footerBuf)
	if footer.Magic != segmentMagic || footer.FileSize != uint64(fileSize) {
		return nil, ErrInvalidSegment
	}

	readSection := func(offset uint64, size uint32) ([]byte, error) {
		if offset+uint64(size) > uint64(fileSize) {
			return nil, ErrCorruptedData
		}
		buf := make([]byte, size)
		if _, err := file.ReadAt(buf, int64(offset)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	var bloomFilter *BloomFilter
	if footer.BloomSize > 0 {
		buf, err := readSection(footer.BloomOffset, footer.BloomSize)
		if err != nil {
			return nil, err
		}
		if bloomFilter, err = DeserializeBloomFilter(buf); err != nil {
			return nil, err
		}
	}

	indexBuf, err := readSection(footer.IndexOffset, footer.IndexSize)
	if err != nil {
		return nil, err
	}
	index, err := DeserializeIndex(indexBuf)
	if err != nil {
		return nil, err
	}
	if uint32(len(index.Entries)) != footer.NumDataBlocks {
		return nil, ErrCorruptedData
	}

	metaBuf, err := readSection(footer.MetaOffset, footer.MetaSize)
	if err != nil {
		return nil, err
	}
	meta, err := deserializeMeta(metaBuf)
	if err != nil {
		return nil, err
	}

	return &segment{
		id:     id,
		path:   path,
		footer: footer,
		meta:   meta,
		index:  index,
		bloom:  bloomFilter,
		size:   fileSize,
		file:   file,
	}, nil
}

// tryRef pins the segment. It fails once the last reference is gone.
func (s *segment) tryRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// unref drops a reference. The last one closes the file and, for an
// obsolete segment, deletes it.
func (s *segment) unref() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("close segment", zap.Uint32("segment", s.id), zap.Error(err))
	}
	if s.obsolete.Load() {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove obsolete segment", zap.Uint32("segment", s.id), zap.Error(err))
		}
	}
}

func (s *segment) minKey() []byte { return s.index.MinKey }
func (s *segment) maxKey() []byte { return s.index.MaxKey }

// blockReader loads data blocks, going through the block cache when set.
type blockReader struct {
	cmp    Comparator
	codec  *codec
	cache  *blockCache
	verify bool
}

func (r blockReader) readBlock(s *segment, i int) (*block, error) {
	ie := s.index.Entries[i]
	if b, ok := r.cache.get(s.id, ie.BlockOffset); ok {
		return b, nil
	}

	data := make([]byte, ie.BlockSize)
	if _, err := s.file.ReadAt(data, int64(ie.BlockOffset)); err != nil {
		return nil, errors.Wrapf(err, "segment %06d: read block at %d", s.id, ie.BlockOffset)
	}
	b, err := decodeBlock(data, r.codec, r.verify)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %06d: decode block at %d", s.id, ie.BlockOffset)
	}
	r.cache.put(s.id, ie.BlockOffset, b)
	return b, nil
}

// get looks key up in the segment. Tombstones are returned as found.
func (s *segment) get(r blockReader, key []byte) (Entry, bool, error) {
	if s.bloom != nil && !s.bloom.MayContain(key) {
		return Entry{}, false, nil
	}
	blockIdx := s.index.Search(key, r.cmp)
	if blockIdx < 0 {
		return Entry{}, false, nil
	}
	b, err := r.readBlock(s, blockIdx)
	if err != nil {
		return Entry{}, false, err
	}
	if i := b.search(key, r.cmp); i >= 0 {
		return b.entries[i], true, nil
	}
	return Entry{}, false, nil
}

// segmentIterator walks the entries of one segment within [from, to).
type segmentIterator struct {
	seg      *segment
	r        blockReader
	to       []byte
	blockIdx int
	block    *block
	pos      int
	current  Entry
	err      error
}

// newIterator positions an iterator at the first key >= from. The first
// block is read eagerly so that an unreadable segment fails here.
func (s *segment) newIterator(r blockReader, from, to []byte) (*segmentIterator, error) {
	it := &segmentIterator{seg: s, r: r, to: to}
	if from == nil {
		it.blockIdx = 0
	} else {
		it.blockIdx = s.index.SeekBlock(from, r.cmp)
	}
	if it.blockIdx >= len(s.index.Entries) {
		return it, nil
	}
	b, err := r.readBlock(s, it.blockIdx)
	if err != nil {
		return nil, err
	}
	it.block = b
	if from != nil {
		it.pos = b.seek(from, r.cmp)
	}
	return it, nil
}

// Next advances to the next entry.
func (it *segmentIterator) Next() bool {
	for it.block != nil {
		if it.pos < len(it.block.entries) {
			e := it.block.entries[it.pos]
			if it.to != nil && it.r.cmp(e.Key, it.to) >= 0 {
				it.block = nil
				return false
			}
			it.current = e
			it.pos++
			return true
		}

		it.blockIdx++
		if it.blockIdx >= len(it.seg.index.Entries) {
			it.block = nil
			return false
		}
		b, err := it.r.readBlock(it.seg, it.blockIdx)
		if err != nil {
			it.err = err
			it.seg.logger.Warn("segment iteration stopped", zap.Uint32("segment", it.seg.id), zap.Error(err))
			it.block = nil
			return false
		}
		it.block = b
		it.pos = 0
	}
	return false
}

// Entry returns the current entry.
func (it *segmentIterator) Entry() Entry {
	return it.current
}

// Close releases the iterator's block.
func (it *segmentIterator) Close() {
	it.block = nil
}

// segmentWriter builds a segment file under a temporary name and renames it
// into place once it is complete and synced.
type segmentWriter struct {
	file    *os.File
	path    string
	tmpPath string
	opts    Options
	codec   *codec

	blockBuilder *blockBuilder
	indexBuilder indexBuilder
	bloomFilter  *BloomFilter

	dataOffset    uint64
	numKeys       uint64
	numTombstones uint64
	lastKey       []byte
}

func newSegmentWriter(path string, numKeys uint, opts Options, c *codec) (*segmentWriter, error) {
	tmpPath := path + tmpExt
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create segment")
	}

	w := &segmentWriter{
		file:         file,
		path:         path,
		tmpPath:      tmpPath,
		opts:         opts,
		codec:        c,
		blockBuilder: newBlockBuilder(opts.BlockSize),
	}
	if !opts.DisableBloomFilter {
		w.bloomFilter = NewBloomFilter(numKeys, opts.BloomFPRate)
	}
	return w, nil
}

// Add appends an entry. Keys must arrive in strictly increasing order.
func (w *segmentWriter) Add(e Entry) error {
	if w.lastKey != nil && w.opts.Comparator(e.Key, w.lastKey) <= 0 {
		return errors.Errorf("segment writer: key %q out of order", e.Key)
	}
	if w.bloomFilter != nil {
		w.bloomFilter.Add(e.Key)
	}
	w.numKeys++
	if e.IsTombstone() {
		w.numTombstones++
	}

	if !w.blockBuilder.Add(e) {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
		w.blockBuilder.Add(e)
	}
	w.lastKey = e.Key
	return nil
}

func (w *segmentWriter) flushDataBlock() error {
	if w.blockBuilder.Count() == 0 {
		return nil
	}

	data, err := w.blockBuilder.Finish(w.codec)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return errors.Wrap(err, "write data block")
	}

	w.indexBuilder.add(w.blockBuilder.firstKey, w.blockBuilder.lastKey, w.dataOffset, uint32(len(data)), w.blockBuilder.Count())
	w.dataOffset += uint64(len(data))
	w.blockBuilder.Reset()
	return nil
}

// Finish writes the trailing sections, syncs the file and renames it to
// its final name.
func (w *segmentWriter) Finish() error {
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	bloomOffset := w.dataOffset
	var bloomData []byte
	if w.bloomFilter != nil {
		var err error
		if bloomData, err = w.bloomFilter.Serialize(); err != nil {
			return errors.Wrap(err, "encode bloom filter")
		}
		if _, err := w.file.Write(bloomData); err != nil {
			return errors.Wrap(err, "write bloom filter")
		}
	}

	indexOffset := bloomOffset + uint64(len(bloomData))
	index := w.indexBuilder.build()
	indexData := index.Serialize()
	if _, err := w.file.Write(indexData); err != nil {
		return errors.Wrap(err, "write index")
	}

	metaOffset := indexOffset + uint64(len(indexData))
	metaData, err := serializeMeta(segmentMeta{
		Version:       segmentVersion,
		NumEntries:    w.numKeys,
		NumTombstones: w.numTombstones,
		CreatedAt:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if _, err := w.file.Write(metaData); err != nil {
		return errors.Wrap(err, "write meta")
	}

	footer := segmentFooter{
		BloomOffset:   bloomOffset,
		BloomSize:     uint32(len(bloomData)),
		IndexOffset:   indexOffset,
		IndexSize:     uint32(len(indexData)),
		MetaOffset:    metaOffset,
		MetaSize:      uint32(len(metaData)),
		NumDataBlocks: uint32(len(index.Entries)),
		NumKeys:       w.numKeys,
		FileSize:      metaOffset + uint64(len(metaData)) + segmentFooterSize,
		Magic:         segmentMagic,
	}
	if _, err := w.file.Write(serializeFooter(footer)); err != nil {
		return errors.Wrap(err, "write footer")
	}

	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "sync segment")
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close segment")
	}
	w.file = nil
	return errors.Wrap(os.Rename(w.tmpPath, w.path), "rename segment")
}

// Abort closes and removes the incomplete segment file.
func (w *segmentWriter) Abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tmpPath)
}

func parseFooter(data []byte) segmentFooter {
	return segmentFooter{
		BloomOffset:   binary.LittleEndian.Uint64(data[0:]),
		BloomSize:     binary.LittleEndian.Uint32(data[8:]),
		IndexOffset:   binary.LittleEndian.Uint64(data[12:]),
		IndexSize:     binary.LittleEndian.Uint32(data[20:]),
		MetaOffset:    binary.LittleEndian.Uint64(data[24:]),
		MetaSize:      binary.LittleEndian.Uint32(data[32:]),
		NumDataBlocks: binary.LittleEndian.Uint32(data[36:]),
		NumKeys:       binary.LittleEndian.Uint64(data[40:]),
		FileSize:      binary.LittleEndian.Uint64(data[48:]),
		Magic:         binary.LittleEndian.Uint64(data[56:]),
	}
}

func serializeFooter(f segmentFooter) []byte {
	buf := make([]byte, segmentFooterSize)
	binary.LittleEndian.PutUint64(buf[0:], f.BloomOffset)
	binary.LittleEndian.PutUint32(buf[8:], f.BloomSize)
	binary.LittleEndian.PutUint64(buf[12:], f.IndexOffset)
	binary.LittleEndian.PutUint32(buf[20:], f.IndexSize)
	binary.LittleEndian.PutUint64(buf[24:], f.MetaOffset)
	binary.LittleEndian.PutUint32(buf[32:], f.MetaSize)
	binary.LittleEndian.PutUint32(buf[36:], f.NumDataBlocks)
	binary.LittleEndian.PutUint64(buf[40:], f.NumKeys)
	binary.LittleEndian.PutUint64(buf[48:], f.FileSize)
	binary.LittleEndian.PutUint64(buf[56:], f.Magic)
	return buf
}

func serializeMeta(m segmentMeta) ([]byte, error) {
	data, err := msgpck.MarshalCopy(map[string]any{
		"version":    m.Version,
		"entries":    m.NumEntries,
		"tombstones": m.NumTombstones,
		"created_at": m.CreatedAt,
	})
	return data, errors.Wrap(err, "encode segment meta")
}

func deserializeMeta(data []byte) (segmentMeta, error) {
	fields, err := msgpck.UnmarshalMapStringAny(data, false)
	if err != nil {
		return segmentMeta{}, errors.Wrap(ErrCorruptedData, err.Error())
	}
	return segmentMeta{
		Version:       int(metaInt(fields["version"])),
		NumEntries:    uint64(metaInt(fields["entries"])),
		NumTombstones: uint64(metaInt(fields["tombstones"])),
		CreatedAt:     metaInt(fields["created_at"]),
	}, nil
}

// metaInt normalizes the integer types a msgpack decoder may produce.
func metaInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

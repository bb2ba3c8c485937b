package segkv

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// segmentStore persists memtables as immutable segments and serves reads
// over them. Newer segments shadow older ones.
type segmentStore interface {
	// Write persists t as the newest segment. Nothing becomes visible on
	// failure.
	Write(t *memtable) error
	// Get returns the newest entry for key, tombstones included.
	Get(key []byte) (Entry, bool, error)
	// Range merges all segments over [from, to), newest first, tombstones
	// included. The caller must Close the iterator.
	Range(from, to []byte) (entryIterator, error)
	// Compact merges every segment into one and drops tombstones.
	Compact() error
	Stats() []SegmentStats
	CacheStats() CacheStats
	Close() error
}

// SegmentStats describes one on-disk segment.
type SegmentStats struct {
	ID         uint32
	NumKeys    uint64
	Tombstones uint64
	Blocks     int
	FileSize   int64
	MinKey     []byte
	MaxKey     []byte
}

// segmentList is an immutable snapshot of the live segments, oldest first.
type segmentList struct {
	segments []*segment
}

// diskSegments is the file-backed segmentStore.
type diskSegments struct {
	dir     string
	opts    Options
	logger  *zap.Logger
	codec   *codec
	cache   *blockCache
	reader  blockReader
	current atomic.Pointer[segmentList]
	nextID  atomic.Uint32

	// writeMu serializes list publication and manifest updates.
	writeMu  sync.Mutex
	manifest *manifestState

	// compactMu keeps compactions from overlapping.
	compactMu sync.Mutex
	closed    bool

	// readers counts open Range iterators. The codec and cache are closed
	// once the store is closed and readers drops to zero.
	readersMu   sync.Mutex
	readers     int
	shutdown    bool
	releaseOnce sync.Once
}

// openDiskSegments loads the manifest in opts.Dir, opens the segments it
// names and removes files it does not name.
func openDiskSegments(opts Options) (*diskSegments, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.Named("segments")

	state, err := readManifest(opts.Dir)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = newManifestState()
		if err := writeManifest(opts.Dir, state); err != nil {
			return nil, err
		}
		logger.Info("created store", zap.String("store_id", state.StoreID))
	}

	c, err := newCodec(opts.Compression, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}
	cache, err := newBlockCache(opts.BlockCacheSize)
	if err != nil {
		c.close()
		return nil, err
	}

	segs, err := openSegments(opts.Dir, state.Segments, logger)
	if err != nil {
		cache.close()
		c.close()
		return nil, err
	}

	d := &diskSegments{
		dir:      opts.Dir,
		opts:     opts,
		logger:   logger,
		codec:    c,
		cache:    cache,
		manifest: state,
		reader: blockReader{
			cmp:    opts.Comparator,
			codec:  c,
			cache:  cache,
			verify: opts.VerifyChecksums,
		},
	}
	d.nextID.Store(state.NextID)
	d.current.Store(&segmentList{segments: segs})

	d.removeOrphans(state.Segments)
	logger.Info("opened segments",
		zap.String("store_id", state.StoreID),
		zap.Int("segments", len(segs)))
	return d, nil
}

// openSegments opens the listed segments in parallel, preserving order.
func openSegments(dir string, metas []manifestSegment, logger *zap.Logger) ([]*segment, error) {
	segs := make([]*segment, len(metas))
	var g errgroup.Group
	g.SetLimit(8)
	for i, m := range metas {
		g.Go(func() error {
			seg, err := openSegment(m.ID, filepath.Join(dir, segmentFileName(m.ID)), logger)
			if err != nil {
				return err
			}
			segs[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range segs {
			if s != nil {
				s.unref()
			}
		}
		return nil, err
	}
	return segs, nil
}

// removeOrphans deletes segment and temporary files left by a crash.
func (d *diskSegments) removeOrphans(live []manifestSegment) {
	keep := make(map[string]bool, len(live))
	for _, m := range live {
		keep[segmentFileName(m.ID)] = true
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("scan for orphaned files", zap.Error(err))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] {
			continue
		}
		if !strings.HasSuffix(name, segmentExt) && !strings.HasSuffix(name, tmpExt) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil {
			d.logger.Warn("remove orphaned file", zap.String("file", name), zap.Error(err))
			continue
		}
		d.logger.Info("removed orphaned file", zap.String("file", name))
	}
}

// acquire pins every segment of the current list. A pin that races with
// the release of a replaced segment retries with the newer list.
func (d *diskSegments) acquire() []*segment {
	for {
		list := d.current.Load()
		pinned := 0
		for _, s := range list.segments {
			if !s.tryRef() {
				break
			}
			pinned++
		}
		if pinned == len(list.segments) {
			return list.segments
		}
		for _, s := range list.segments[:pinned] {
			s.unref()
		}
	}
}

func release(segs []*segment) {
	for _, s := range segs {
		s.unref()
	}
}

// Write persists t as the newest segment.
func (d *diskSegments) Write(t *memtable) error {
	if t.Len() == 0 {
		return nil
	}

	start := time.Now()
	id := d.nextID.Add(1)
	seg, err := d.build(id, t.newIterator(nil, nil), uint(t.Len()))
	if err != nil {
		return errors.Wrapf(err, "flush segment %06d", id)
	}
	if seg == nil {
		return nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		seg.obsolete.Store(true)
		seg.unref()
		return ErrStoreClosed
	}
	next := append(slices.Clone(d.current.Load().segments), seg)
	if err := d.publish(next); err != nil {
		seg.obsolete.Store(true)
		seg.unref()
		return errors.Wrapf(err, "publish segment %06d", id)
	}

	d.logger.Debug("wrote segment",
		zap.Uint32("segment", id),
		zap.Uint64("keys", seg.footer.NumKeys),
		zap.Int64("bytes", seg.size),
		zap.Duration("took", time.Since(start)))
	return nil
}

// build writes the entries of it into segment id and opens the result.
// It returns a nil segment when it yields no entries.
func (d *diskSegments) build(id uint32, it entryIterator, estimatedKeys uint) (*segment, error) {
	defer it.Close()

	path := filepath.Join(d.dir, segmentFileName(id))
	w, err := newSegmentWriter(path, estimatedKeys, d.opts, d.codec)
	if err != nil {
		return nil, err
	}

	for it.Next() {
		if err := w.Add(it.Entry()); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if w.numKeys == 0 {
		w.Abort()
		return nil, nil
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, err
	}

	seg, err := openSegment(id, path, d.logger)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return seg, nil
}

// publish records segs in the manifest, then makes them the current list.
// d.writeMu must be held.
func (d *diskSegments) publish(segs []*segment) error {
	state := &manifestState{
		StoreID:  d.manifest.StoreID,
		NextID:   d.nextID.Load(),
		Segments: make([]manifestSegment, 0, len(segs)),
	}
	for _, s := range segs {
		state.Segments = append(state.Segments, manifestSegment{
			ID:       s.id,
			NumKeys:  s.footer.NumKeys,
			MinKey:   s.minKey(),
			MaxKey:   s.maxKey(),
			FileSize: s.size,
		})
	}
	if err := writeManifest(d.dir, state); err != nil {
		return err
	}
	d.manifest = state
	d.current.Store(&segmentList{segments: segs})
	return nil
}

// Get returns the newest entry for key across all segments.
func (d *diskSegments) Get(key []byte) (Entry, bool, error) {
	segs := d.acquire()
	defer release(segs)

	cmp := d.opts.Comparator
	for i := len(segs) - 1; i >= 0; i-- {
		s := segs[i]
		if cmp(key, s.minKey()) < 0 || cmp(key, s.maxKey()) > 0 {
			continue
		}
		e, ok, err := s.get(d.reader, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Range merges all segments over [from, to). Segments that fail to open an
// iterator are left out and logged.
func (d *diskSegments) Range(from, to []byte) (entryIterator, error) {
	d.readersMu.Lock()
	d.readers++
	d.readersMu.Unlock()

	segs := d.acquire()
	return &pinnedIterator{
		mergeIterator: d.mergeSegments(segs, d.reader, from, to),
		segs:          segs,
		done:          d.readerDone,
	}, nil
}

func (d *diskSegments) readerDone() {
	d.readersMu.Lock()
	d.readers--
	last := d.readers == 0 && d.shutdown
	d.readersMu.Unlock()
	if last {
		d.releaseCodec()
	}
}

func (d *diskSegments) releaseCodec() {
	d.releaseOnce.Do(func() {
		d.cache.close()
		d.codec.close()
	})
}

func (d *diskSegments) mergeSegments(segs []*segment, r blockReader, from, to []byte) *mergeIterator {
	sources := make([]mergeSource, 0, len(segs))
	for i, s := range segs {
		if to != nil && r.cmp(s.minKey(), to) >= 0 {
			continue
		}
		if from != nil && r.cmp(s.maxKey(), from) < 0 {
			continue
		}
		it, err := s.newIterator(r, from, to)
		if err != nil {
			d.logger.Warn("skip unreadable segment", zap.Uint32("segment", s.id), zap.Error(err))
			continue
		}
		sources = append(sources, mergeSource{priority: len(segs) - 1 - i, iter: it})
	}
	return newMergeIterator(r.cmp, sources...)
}

// pinnedIterator releases its segment pins when closed.
type pinnedIterator struct {
	*mergeIterator
	segs []*segment
	done func()
}

func (p *pinnedIterator) Close() {
	p.mergeIterator.Close()
	if p.segs != nil {
		release(p.segs)
		p.segs = nil
	}
	if p.done != nil {
		p.done()
		p.done = nil
	}
}

// Compact merges every current segment into one, dropping tombstones.
// Segments published while it runs stay in place, after the merged one.
func (d *diskSegments) Compact() error {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()

	inputs := d.acquire()
	defer release(inputs)

	if len(inputs) == 0 || (len(inputs) == 1 && inputs[0].meta.NumTombstones == 0) {
		return nil
	}

	start := time.Now()
	var estimatedKeys uint64
	for _, s := range inputs {
		estimatedKeys += s.footer.NumKeys
	}

	// Compaction reads bypass the block cache.
	r := d.reader
	r.cache = nil
	merged := d.mergeSegments(inputs, r, nil, nil)

	id := d.nextID.Add(1)
	seg, err := d.build(id, tombstoneFilter{merged}, uint(estimatedKeys))
	if err != nil {
		return errors.Wrapf(err, "compact into segment %06d", id)
	}

	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		if seg != nil {
			seg.obsolete.Store(true)
			seg.unref()
		}
		return ErrStoreClosed
	}
	var next []*segment
	if seg != nil {
		next = append(next, seg)
	}
	for _, s := range d.current.Load().segments {
		if !slices.Contains(inputs, s) {
			next = append(next, s)
		}
	}
	if err := d.publish(next); err != nil {
		d.writeMu.Unlock()
		if seg != nil {
			seg.obsolete.Store(true)
			seg.unref()
		}
		return errors.Wrapf(err, "publish compacted segment %06d", id)
	}
	d.writeMu.Unlock()

	// Drop the list's reference; files go away once readers finish.
	for _, s := range inputs {
		s.obsolete.Store(true)
		s.unref()
	}

	var keys uint64
	if seg != nil {
		keys = seg.footer.NumKeys
	}
	d.logger.Info("compacted segments",
		zap.Int("inputs", len(inputs)),
		zap.Uint64("keys_in", estimatedKeys),
		zap.Uint64("keys_out", keys),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Stats describes the current segments, oldest first.
func (d *diskSegments) Stats() []SegmentStats {
	segs := d.acquire()
	defer release(segs)

	stats := make([]SegmentStats, 0, len(segs))
	for _, s := range segs {
		stats = append(stats, SegmentStats{
			ID:         s.id,
			NumKeys:    s.footer.NumKeys,
			Tombstones: s.meta.NumTombstones,
			Blocks:     len(s.index.Entries),
			FileSize:   s.size,
			MinKey:     s.minKey(),
			MaxKey:     s.maxKey(),
		})
	}
	return stats
}

func (d *diskSegments) CacheStats() CacheStats {
	return d.cache.stats()
}

// Close drops the store's segment references. Files, the codec and the
// cache close as soon as the last open iterator releases them.
func (d *diskSegments) Close() error {
	d.writeMu.Lock()
	if d.closed {
		d.writeMu.Unlock()
		return nil
	}
	d.closed = true
	old := d.current.Swap(&segmentList{})
	d.writeMu.Unlock()

	release(old.segments)

	d.readersMu.Lock()
	d.shutdown = true
	idle := d.readers == 0
	d.readersMu.Unlock()
	if idle {
		d.releaseCodec()
	}
	return nil
}

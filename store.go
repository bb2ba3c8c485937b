package segkv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const lockFileName = "LOCK"

// compactionQueue bounds the number of pending compaction requests.
const compactionQueue = 16

// Store is an LSM key-value store. Writes go to an in-memory table that is
// flushed to immutable segments in the background; reads merge the active
// table, the table being flushed and the segments, newest first.
type Store struct {
	opts    Options
	dir     string
	cmp     Comparator
	logger  *zap.Logger
	metrics *storeMetrics

	// mu guards the active/flushing pair and the pending task handles.
	// It is held only to swap pointers.
	mu             sync.RWMutex
	active         *memtable
	flushing       *memtable
	flushDone      <-chan struct{}
	lastCompaction <-chan struct{}

	accumulated atomic.Int64

	flusher   *worker
	compactor *worker
	segments  segmentStore
	lockFile  *os.File

	closeMu sync.Mutex
	closed  atomic.Bool
}

// StoreStats is a point-in-time summary of a Store.
type StoreStats struct {
	ActiveEntries    int64
	ActiveBytes      int64
	AccumulatedBytes int64
	Flushing         bool
	FlushingEntries  int64
	FlushingBytes    int64
	Segments         []SegmentStats
	Cache            CacheStats
}

// TotalSegmentBytes sums the file sizes of all segments.
func (s StoreStats) TotalSegmentBytes() int64 {
	var n int64
	for _, seg := range s.Segments {
		n += seg.FileSize
	}
	return n
}

// Open opens or creates a store in dir. The directory is locked for the
// lifetime of the Store.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	opts.Dir = dir
	opts = opts.withDefaults()

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := acquireLock(lockFile); err != nil {
		lockFile.Close()
		if errors.Is(err, ErrStoreLocked) {
			return nil, ErrStoreLocked
		}
		return nil, errors.Wrap(err, "lock store directory")
	}

	segs, err := openDiskSegments(opts)
	if err != nil {
		releaseLockFile(lockFile)
		lockFile.Close()
		return nil, err
	}

	s := newStore(opts, segs)
	s.lockFile = lockFile
	s.logger.Info("store opened", zap.String("dir", dir))
	return s, nil
}

// newStore wires a Store around an already open segment store.
func newStore(opts Options, segs segmentStore) *Store {
	opts = opts.withDefaults()
	return &Store{
		opts:      opts,
		dir:       opts.Dir,
		cmp:       opts.Comparator,
		logger:    opts.Logger,
		metrics:   newStoreMetrics(opts.Registerer, opts.Logger),
		active:    newMemtable(opts.Comparator),
		flusher:   newWorker("flush", 1),
		compactor: newWorker("compaction", compactionQueue),
		segments:  segs,
	}
}

// Upsert inserts or replaces entry. An entry with a nil Value deletes the
// key. Upsert returns ErrFlushInProgress when the active table is full and
// the previous flush has not finished yet; the write was not applied and
// may be retried.
func (s *Store) Upsert(entry Entry) error {
	if entry.Key == nil {
		return ErrNilKey
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	entry = Entry{Key: bytes.Clone(entry.Key), Value: bytes.Clone(entry.Value)}

	size := entry.size()
	if size >= s.opts.FlushThresholdBytes {
		// Oversized entries bypass the threshold check and the accumulated
		// size; the read lock keeps them out of a table being swapped.
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed.Load() {
			return ErrStoreClosed
		}
		s.active.Put(entry)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if s.accumulated.Load()+size >= s.opts.FlushThresholdBytes {
		if s.flushing != nil {
			s.metrics.backpressure.Inc()
			return ErrFlushInProgress
		}
		s.startFlushLocked()
	}
	s.active.Put(entry)
	s.accumulated.Add(size)
	return nil
}

// Put stores value under key. A nil value is stored as an empty value.
func (s *Store) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.Upsert(Entry{Key: key, Value: value})
}

// Delete removes key.
func (s *Store) Delete(key []byte) error {
	return s.Upsert(Tombstone(key))
}

// Get returns the newest entry for key. A deleted or absent key returns
// ErrKeyNotFound.
func (s *Store) Get(key []byte) (Entry, error) {
	if key == nil {
		return Entry{}, ErrNilKey
	}
	if s.closed.Load() {
		return Entry{}, ErrStoreClosed
	}

	s.mu.RLock()
	e, found := s.active.Get(key)
	if !found && s.flushing != nil {
		e, found = s.flushing.Get(key)
	}
	s.mu.RUnlock()

	if !found {
		var err error
		e, found, err = s.segments.Get(key)
		if err != nil {
			s.metrics.degradedReads.Inc()
			s.logger.Warn("segment lookup failed", zap.ByteString("key", key), zap.Error(err))
			return Entry{}, ErrKeyNotFound
		}
	}
	if !found || e.IsTombstone() {
		return Entry{}, ErrKeyNotFound
	}
	return e, nil
}

// Range returns an iterator over live entries with from <= key < to. A nil
// bound is unbounded. The iterator must be closed.
func (s *Store) Range(from, to []byte) (*Iterator, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	s.mu.RLock()
	sources := []mergeSource{{priority: 0, iter: s.active.newIterator(from, to)}}
	if s.flushing != nil {
		sources = append(sources, mergeSource{priority: 1, iter: s.flushing.newIterator(from, to)})
	}
	s.mu.RUnlock()

	disk, err := s.segments.Range(from, to)
	if err != nil {
		s.metrics.degradedReads.Inc()
		s.logger.Warn("segment range failed", zap.Error(err))
	} else {
		sources = append(sources, mergeSource{priority: 2, iter: disk})
	}
	return newIterator(newMergeIterator(s.cmp, sources...)), nil
}

// Flush starts persisting the active table in the background. It is a
// no-op while another flush is running or when there is nothing to flush.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFlushLocked()
	return nil
}

// startFlushLocked swaps the active table out and queues its persistence.
// s.mu must be held for writing.
func (s *Store) startFlushLocked() {
	if s.flushing != nil || s.active.Len() == 0 {
		return
	}

	snapshot := s.active
	done, ok := s.flusher.submit(func() { s.persist(snapshot) })
	if !ok {
		s.logger.Error("flush worker stopped; keeping memtable")
		return
	}
	s.flushing = snapshot
	s.active = newMemtable(s.cmp)
	s.accumulated.Store(0)
	s.flushDone = done
	s.metrics.flushes.Inc()
}

// persist writes snapshot to the segment store and clears the flushing
// slot whether or not the write succeeded.
func (s *Store) persist(snapshot *memtable) {
	start := time.Now()
	err := s.segments.Write(snapshot)

	s.mu.Lock()
	if s.flushing == snapshot {
		s.flushing = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.metrics.flushErrors.Inc()
		s.logger.Error("flush failed, memtable dropped",
			zap.Int64("entries", snapshot.Len()),
			zap.Int64("bytes", snapshot.Size()),
			zap.Error(err))
		return
	}
	s.metrics.flushSeconds.Observe(time.Since(start).Seconds())
	s.logger.Debug("flushed memtable",
		zap.Int64("entries", snapshot.Len()),
		zap.Duration("took", time.Since(start)))
}

// Compact queues a merge of all segments into one and returns without
// waiting for it. Failures are logged.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	done, ok := s.compactor.submit(func() {
		start := time.Now()
		if err := s.segments.Compact(); err != nil {
			s.metrics.compactionErrors.Inc()
			s.logger.Error("compaction failed", zap.Error(err))
			return
		}
		s.metrics.compactions.Inc()
		s.metrics.compactSeconds.Observe(time.Since(start).Seconds())
	})
	if !ok {
		return ErrStoreClosed
	}

	s.mu.Lock()
	s.lastCompaction = done
	s.mu.Unlock()
	return nil
}

// WaitForBackground blocks until the current flush and the most recently
// queued compaction have finished, or ctx is done.
func (s *Store) WaitForBackground(ctx context.Context) error {
	s.mu.RLock()
	pending := []<-chan struct{}{s.flushDone, s.lastCompaction}
	s.mu.RUnlock()

	for _, done := range pending {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close flushes the active table, waits for background work and releases
// all resources. Calling Close again returns nil.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	s.awaitFlush()
	s.mu.Lock()
	s.startFlushLocked()
	s.mu.Unlock()
	s.awaitFlush()

	s.flusher.stop()
	s.compactor.stop()

	s.mu.Lock()
	s.active = newMemtable(s.cmp)
	s.flushing = nil
	s.accumulated.Store(0)
	s.mu.Unlock()

	err := s.segments.Close()
	s.metrics.unregister()
	if s.lockFile != nil {
		releaseLockFile(s.lockFile)
		s.lockFile.Close()
		s.lockFile = nil
	}
	s.logger.Info("store closed", zap.String("dir", s.dir))
	return err
}

// awaitFlush waits for the current flush in bounded slices, logging each
// slice that expires. It never gives up.
func (s *Store) awaitFlush() {
	s.mu.RLock()
	done := s.flushDone
	s.mu.RUnlock()
	if done == nil {
		return
	}

	waited := time.Duration(0)
	for {
		select {
		case <-done:
			return
		case <-time.After(closePollInterval):
			waited += closePollInterval
			s.logger.Warn("still waiting for flush to finish", zap.Duration("waited", waited))
		}
	}
}

// Stats returns a snapshot of the store's tables and segments.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	stats := StoreStats{
		ActiveEntries:    s.active.Len(),
		ActiveBytes:      s.active.Size(),
		AccumulatedBytes: s.accumulated.Load(),
		Flushing:         s.flushing != nil,
	}
	if s.flushing != nil {
		stats.FlushingEntries = s.flushing.Len()
		stats.FlushingBytes = s.flushing.Size()
	}
	s.mu.RUnlock()

	stats.Segments = s.segments.Stats()
	stats.Cache = s.segments.CacheStats()
	return stats
}

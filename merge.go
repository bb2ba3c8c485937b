package segkv

// entryIterator is a forward-only source of entries with strictly
// increasing keys.
type entryIterator interface {
	Next() bool
	Entry() Entry
	Close()
}

// mergeSource tags an iterator with its priority. Lower priority numbers
// win when several sources hold the same key.
type mergeSource struct {
	priority int
	iter     entryIterator
}

type heapEntry struct {
	entry    Entry
	priority int
	iter     entryIterator
}

type entryHeap struct {
	cmp   Comparator
	items []heapEntry
}

func (h *entryHeap) less(i, j int) bool {
	if c := h.cmp(h.items[i].entry.Key, h.items[j].entry.Key); c != 0 {
		return c < 0
	}
	return h.items[i].priority < h.items[j].priority
}

// push, pop, up and down keep items a min-heap on (key, priority).

func (h *entryHeap) push(x heapEntry) {
	h.items = append(h.items, x)
	h.up(len(h.items) - 1)
}

func (h *entryHeap) pop() heapEntry {
	n := len(h.items) - 1
	h.items[0], h.items[n] = h.items[n], h.items[0]
	h.down(0, n)
	x := h.items[n]
	h.items[n] = heapEntry{}
	h.items = h.items[:n]
	return x
}

func (h *entryHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		j = i
	}
}

func (h *entryHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		i = j
	}
}

func (h *entryHeap) init() {
	n := len(h.items)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// mergeIterator merges prioritized sources into a single ascending stream
// holding one entry per key: the one from the lowest-numbered source.
// Tombstones pass through.
type mergeIterator struct {
	heap    entryHeap
	sources []entryIterator
	current Entry
	closed  bool
}

// newMergeIterator primes every source. Nil sources are skipped.
func newMergeIterator(cmp Comparator, sources ...mergeSource) *mergeIterator {
	m := &mergeIterator{heap: entryHeap{cmp: cmp}}
	for _, src := range sources {
		if src.iter == nil {
			continue
		}
		m.sources = append(m.sources, src.iter)
		if src.iter.Next() {
			m.heap.items = append(m.heap.items, heapEntry{
				entry:    src.iter.Entry(),
				priority: src.priority,
				iter:     src.iter,
			})
		}
	}
	m.heap.init()
	return m
}

// Next advances to the next key.
func (m *mergeIterator) Next() bool {
	if len(m.heap.items) == 0 {
		return false
	}

	top := m.heap.pop()
	m.current = top.entry
	m.advance(top)

	// Drop shadowed copies of the same key from lower priority sources.
	for len(m.heap.items) > 0 && m.heap.cmp(m.heap.items[0].entry.Key, m.current.Key) == 0 {
		m.advance(m.heap.pop())
	}
	return true
}

func (m *mergeIterator) advance(he heapEntry) {
	if he.iter.Next() {
		m.heap.push(heapEntry{
			entry:    he.iter.Entry(),
			priority: he.priority,
			iter:     he.iter,
		})
	}
}

// Entry returns the current entry.
func (m *mergeIterator) Entry() Entry {
	return m.current
}

// Close closes every source. It is safe to call more than once.
func (m *mergeIterator) Close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, it := range m.sources {
		it.Close()
	}
	m.heap.items = nil
}

// tombstoneFilter hides tombstones from an entry stream.
type tombstoneFilter struct {
	entryIterator
}

func (f tombstoneFilter) Next() bool {
	for f.entryIterator.Next() {
		if !f.Entry().IsTombstone() {
			return true
		}
	}
	return false
}

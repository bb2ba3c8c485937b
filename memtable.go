package segkv

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	maxHeight   = 12
	probability = 0.25
)

// skiplistNode is a node in the memtable skiplist. Links and the entry are
// atomic so readers can traverse while a writer splices in new nodes.
type skiplistNode struct {
	key     []byte
	entry   atomic.Pointer[Entry]
	forward []atomic.Pointer[skiplistNode]
}

func (n *skiplistNode) next(level int) *skiplistNode {
	return n.forward[level].Load()
}

// memtable is an in-memory sorted table backed by a skiplist.
// Writers are serialized by mu; readers never block.
type memtable struct {
	cmp    Comparator
	head   *skiplistNode
	height atomic.Int32
	size   atomic.Int64 // key+value bytes currently held
	count  atomic.Int64

	mu  sync.Mutex
	rng *rand.Rand
}

func newMemtable(cmp Comparator) *memtable {
	m := &memtable{
		cmp:  cmp,
		head: &skiplistNode{forward: make([]atomic.Pointer[skiplistNode], maxHeight)},
		rng:  rand.New(rand.NewSource(rand.Int63())),
	}
	m.height.Store(1)
	return m
}

// Put inserts e, replacing any entry with an equal key.
func (m *memtable) Put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var update [maxHeight]*skiplistNode
	height := int(m.height.Load())
	x := m.head
	for i := height - 1; i >= 0; i-- {
		for next := x.next(i); next != nil && m.cmp(next.key, e.Key) < 0; next = x.next(i) {
			x = next
		}
		update[i] = x
	}

	stored := e
	if x = x.next(0); x != nil && m.cmp(x.key, e.Key) == 0 {
		old := x.entry.Swap(&stored)
		m.size.Add(stored.size() - old.size())
		return
	}

	level := m.randomHeight()
	if level > height {
		for i := height; i < level; i++ {
			update[i] = m.head
		}
		m.height.Store(int32(level))
	}

	node := &skiplistNode{
		key:     e.Key,
		forward: make([]atomic.Pointer[skiplistNode], level),
	}
	node.entry.Store(&stored)

	// Link bottom-up so that a node is reachable at level i only after it is
	// fully linked below i.
	for i := 0; i < level; i++ {
		node.forward[i].Store(update[i].next(i))
		update[i].forward[i].Store(node)
	}

	m.size.Add(stored.size())
	m.count.Add(1)
}

// seek returns the first node with key >= target, or nil.
func (m *memtable) seek(target []byte) *skiplistNode {
	x := m.head
	for i := int(m.height.Load()) - 1; i >= 0; i-- {
		for next := x.next(i); next != nil && m.cmp(next.key, target) < 0; next = x.next(i) {
			x = next
		}
	}
	return x.next(0)
}

// Get returns the entry stored under key. Tombstones are returned as found.
func (m *memtable) Get(key []byte) (Entry, bool) {
	x := m.seek(key)
	if x != nil && m.cmp(x.key, key) == 0 {
		return *x.entry.Load(), true
	}
	return Entry{}, false
}

// Size returns the key+value bytes held.
func (m *memtable) Size() int64 {
	return m.size.Load()
}

// Len returns the number of distinct keys.
func (m *memtable) Len() int64 {
	return m.count.Load()
}

func (m *memtable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rng.Float64() < probability {
		h++
	}
	return h
}

// newIterator returns an iterator over [from, to). A nil bound is open.
// The iterator observes inserts made after it was created when they land
// ahead of its position.
func (m *memtable) newIterator(from, to []byte) *memtableIterator {
	return &memtableIterator{mt: m, from: from, to: to}
}

// memtableIterator walks the bottom level of the skiplist.
type memtableIterator struct {
	mt      *memtable
	from    []byte
	to      []byte
	node    *skiplistNode
	started bool
	done    bool
	current Entry
}

// Next advances to the next entry.
func (it *memtableIterator) Next() bool {
	if it.done {
		return false
	}

	var n *skiplistNode
	switch {
	case it.started:
		n = it.node.next(0)
	case it.from != nil:
		n = it.mt.seek(it.from)
	default:
		n = it.mt.head.next(0)
	}
	it.started = true

	if n == nil || (it.to != nil && it.mt.cmp(n.key, it.to) >= 0) {
		it.done = true
		return false
	}
	it.node = n
	it.current = *n.entry.Load()
	return true
}

// Entry returns the current entry.
func (it *memtableIterator) Entry() Entry {
	return it.current
}

// Close is a no-op; memtable iterators hold no resources.
func (it *memtableIterator) Close() {
	it.done = true
}

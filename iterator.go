package segkv

// Iterator walks live entries in key order. Deleted keys are skipped. An
// open Iterator keeps its segments readable until it is closed, even across
// Store.Close.
//
//	it, err := store.Range(from, to)
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
type Iterator struct {
	src    *mergeIterator
	cur    Entry
	closed bool
}

func newIterator(src *mergeIterator) *Iterator {
	return &Iterator{src: src}
}

// Next advances to the next live entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	for it.src.Next() {
		e := it.src.Entry()
		if e.IsTombstone() {
			continue
		}
		it.cur = e
		return true
	}
	it.cur = Entry{}
	return false
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry { return it.cur }

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.cur.Key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.cur.Value }

// Close releases the iterator's sources. It is safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.cur = Entry{}
	it.src.Close()
}

// ScanPrefix calls fn for each live entry whose key starts with prefix,
// in key order, until fn returns false.
func (s *Store) ScanPrefix(prefix []byte, fn func(Entry) bool) error {
	var from []byte
	if len(prefix) > 0 {
		from = prefix
	}
	it, err := s.Range(from, prefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if !fn(it.Entry()) {
			break
		}
	}
	return nil
}

// Count returns the number of live keys in [from, to).
func (s *Store) Count(from, to []byte) (int, error) {
	it, err := s.Range(from, to)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, nil
}

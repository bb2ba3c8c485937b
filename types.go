package segkv

import (
	"bytes"

	"github.com/pkg/errors"
)

// Comparator defines a total order over keys. It returns a negative number
// when a sorts before b, zero when they are equal and a positive number
// otherwise.
type Comparator func(a, b []byte) int

// CompareKeys is the default Comparator: unsigned byte-wise lexicographic
// order, where a key sorts before every longer key it is a prefix of.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Entry is an immutable key/value pair. A nil Value marks a tombstone; an
// empty non-nil Value is a present, empty value.
type Entry struct {
	Key   []byte
	Value []byte
}

// Tombstone returns the deletion marker for key.
func Tombstone(key []byte) Entry {
	return Entry{Key: key}
}

// IsTombstone reports whether the entry marks a deletion.
func (e Entry) IsTombstone() bool {
	return e.Value == nil
}

// size is the number of bytes the entry adds to a memtable.
func (e Entry) size() int64 {
	return int64(len(e.Key) + len(e.Value))
}

// Common errors
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrNilKey           = errors.New("key must not be nil")
	ErrStoreClosed      = errors.New("store is closed")
	ErrFlushInProgress  = errors.New("flush in progress, retry later")
	ErrStoreLocked      = errors.New("store directory is locked by another process")
	ErrCorruptedData    = errors.New("corrupted data")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidSegment   = errors.New("invalid segment file")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

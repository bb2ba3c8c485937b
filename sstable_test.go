package segkv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func writeTestSegment(t *testing.T, dir string, id uint32, opts Options, entries []Entry) *segment {
	t.Helper()
	c, err := newCodec(opts.Compression, opts.CompressionLevel)
	if err != nil {
		t.Fatalf("newCodec failed: %v", err)
	}
	t.Cleanup(c.close)

	path := filepath.Join(dir, segmentFileName(id))
	w, err := newSegmentWriter(path, uint(len(entries)), opts, c)
	if err != nil {
		t.Fatalf("newSegmentWriter failed: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			w.Abort()
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	seg, err := openSegment(id, path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}
	t.Cleanup(seg.unref)
	return seg
}

func testReader(t *testing.T, opts Options) blockReader {
	t.Helper()
	c, err := newCodec(opts.Compression, opts.CompressionLevel)
	if err != nil {
		t.Fatalf("newCodec failed: %v", err)
	}
	t.Cleanup(c.close)
	return blockReader{cmp: opts.Comparator, codec: c, verify: true}
}

func TestSegmentWriteRead(t *testing.T) {
	for _, compression := range []CompressionType{CompressionZstd, CompressionSnappy, CompressionNone} {
		t.Run(compression.String(), func(t *testing.T) {
			dir := t.TempDir()
			opts := testSegmentOptions(dir).withDefaults()
			opts.Compression = compression

			var entries []Entry
			for i := 0; i < 500; i++ {
				e := Entry{Key: []byte(fmt.Sprintf("key%05d", i)), Value: []byte(fmt.Sprintf("value-%d", i))}
				if i%10 == 0 {
					e = Tombstone(e.Key)
				}
				entries = append(entries, e)
			}
			seg := writeTestSegment(t, dir, 7, opts, entries)
			r := testReader(t, opts)

			if seg.meta.NumEntries != 500 || seg.meta.NumTombstones != 50 {
				t.Errorf("meta = %+v, want 500 entries and 50 tombstones", seg.meta)
			}
			if string(seg.minKey()) != "key00000" || string(seg.maxKey()) != "key00499" {
				t.Errorf("key range = [%s, %s]", seg.minKey(), seg.maxKey())
			}
			if len(seg.index.Entries) < 2 {
				t.Errorf("blocks = %d, want several", len(seg.index.Entries))
			}

			for _, i := range []int{0, 1, 10, 255, 499} {
				e, ok, err := seg.get(r, entries[i].Key)
				if err != nil || !ok {
					t.Fatalf("get(%s) = %v, %v", entries[i].Key, ok, err)
				}
				if diff := cmp.Diff(entries[i], e); diff != "" {
					t.Errorf("get(%s) mismatch (-want +got):\n%s", entries[i].Key, diff)
				}
			}
			if _, ok, _ := seg.get(r, []byte("key00250x")); ok {
				t.Error("get of absent key found")
			}
			if _, ok, _ := seg.get(r, []byte("zzz")); ok {
				t.Error("get past max key found")
			}

			if _, err := os.Stat(filepath.Join(dir, segmentFileName(7)+tmpExt)); !os.IsNotExist(err) {
				t.Error("temporary file left behind")
			}
		})
	}
}

func TestSegmentIterator(t *testing.T) {
	dir := t.TempDir()
	opts := testSegmentOptions(dir).withDefaults()
	var entries []Entry
	for i := 0; i < 200; i += 2 {
		entries = append(entries, Entry{Key: []byte(fmt.Sprintf("k%03d", i)), Value: []byte("v")})
	}
	seg := writeTestSegment(t, dir, 1, opts, entries)
	r := testReader(t, opts)

	tests := []struct {
		name      string
		from, to  string
		wantFirst string
		wantCount int
	}{
		{"all", "", "", "k000", 100},
		{"from between keys", "k051", "", "k052", 74},
		{"bounded", "k010", "k020", "k010", 5},
		{"to exclusive", "k000", "k002", "k000", 1},
		{"past end", "k999", "", "", 0},
		{"before start", "a", "k004", "k000", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var from, to []byte
			if tt.from != "" {
				from = []byte(tt.from)
			}
			if tt.to != "" {
				to = []byte(tt.to)
			}
			it, err := seg.newIterator(r, from, to)
			if err != nil {
				t.Fatalf("newIterator failed: %v", err)
			}
			defer it.Close()

			got := drain(it)
			if len(got) != tt.wantCount {
				t.Fatalf("count = %d, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0] != tt.wantFirst+"=v" {
				t.Errorf("first = %s, want %s", got[0], tt.wantFirst)
			}
		})
	}
}

func TestSegmentWriterRejectsUnsortedKeys(t *testing.T) {
	dir := t.TempDir()
	opts := testSegmentOptions(dir).withDefaults()
	c, _ := newCodec(opts.Compression, opts.CompressionLevel)
	defer c.close()

	path := filepath.Join(dir, segmentFileName(1))
	w, err := newSegmentWriter(path, 2, opts, c)
	if err != nil {
		t.Fatalf("newSegmentWriter failed: %v", err)
	}
	w.Add(Entry{Key: []byte("b"), Value: []byte("1")})
	if err := w.Add(Entry{Key: []byte("a"), Value: []byte("2")}); err == nil {
		t.Error("Add accepted a key out of order")
	}
	if err := w.Add(Entry{Key: []byte("b"), Value: []byte("3")}); err == nil {
		t.Error("Add accepted a duplicate key")
	}
	w.Abort()

	files, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(files) != 0 {
		t.Errorf("Abort left %v", files)
	}
}

func TestSegmentWithoutBloomFilter(t *testing.T) {
	dir := t.TempDir()
	opts := testSegmentOptions(dir).withDefaults()
	opts.DisableBloomFilter = true

	seg := writeTestSegment(t, dir, 1, opts, []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	})
	if seg.bloom != nil {
		t.Error("bloom filter loaded although disabled")
	}
	r := testReader(t, opts)
	if e, ok, err := seg.get(r, []byte("c")); err != nil || !ok || string(e.Value) != "3" {
		t.Errorf("get(c) = %q, %v, %v", e.Value, ok, err)
	}
	if _, ok, _ := seg.get(r, []byte("b")); ok {
		t.Error("get(b) found")
	}
}

func TestSegmentMetaRoundTrip(t *testing.T) {
	in := segmentMeta{Version: segmentVersion, NumEntries: 1 << 33, NumTombstones: 3, CreatedAt: 1700000000}
	data, err := serializeMeta(in)
	if err != nil {
		t.Fatalf("serializeMeta failed: %v", err)
	}
	out, err := deserializeMeta(data)
	if err != nil {
		t.Fatalf("deserializeMeta failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}
}

func TestSegmentRefCounting(t *testing.T) {
	dir := t.TempDir()
	opts := testSegmentOptions(dir).withDefaults()
	c, _ := newCodec(opts.Compression, opts.CompressionLevel)
	defer c.close()

	path := filepath.Join(dir, segmentFileName(3))
	w, _ := newSegmentWriter(path, 1, opts, c)
	w.Add(Entry{Key: []byte("k"), Value: []byte("v")})
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	seg, err := openSegment(3, path, nil)
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}

	if !seg.tryRef() {
		t.Fatal("tryRef failed on a live segment")
	}
	seg.obsolete.Store(true)
	seg.unref()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file removed while still referenced: %v", err)
	}
	seg.unref()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("obsolete segment not removed after last unref")
	}
	if seg.tryRef() {
		t.Error("tryRef succeeded on a released segment")
	}
}

package segkv

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func openBenchStore(b *testing.B) *Store {
	b.Helper()
	dir := b.TempDir()
	s, err := Open(dir, DefaultOptions(dir))
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

// putRetry retries writes rejected while a flush is running.
func putRetry(b *testing.B, s *Store, key, value []byte) {
	for {
		err := s.Put(key, value)
		if errors.Is(err, ErrFlushInProgress) {
			s.WaitForBackground(context.Background())
			continue
		}
		if err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		return
	}
}

func BenchmarkStorePut(b *testing.B) {
	s := openBenchStore(b)
	value := []byte("benchmark value that is reasonably sized")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		putRetry(b, s, []byte(fmt.Sprintf("key%08d", i)), value)
	}
}

func BenchmarkStoreGetMemtable(b *testing.B) {
	s := openBenchStore(b)
	n := 10000
	for i := 0; i < n; i++ {
		putRetry(b, s, []byte(fmt.Sprintf("key%08d", i)), []byte("value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Get([]byte(fmt.Sprintf("key%08d", i%n)))
	}
}

func BenchmarkStoreGetSegment(b *testing.B) {
	s := openBenchStore(b)
	n := 10000
	for i := 0; i < n; i++ {
		putRetry(b, s, []byte(fmt.Sprintf("key%08d", i)), []byte("value"))
	}
	s.Flush()
	s.WaitForBackground(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Get([]byte(fmt.Sprintf("key%08d", i%n)))
	}
}

func BenchmarkStoreRange(b *testing.B) {
	s := openBenchStore(b)
	for i := 0; i < 10000; i++ {
		putRetry(b, s, []byte(fmt.Sprintf("key%08d", i)), []byte("value"))
		if i%2500 == 2499 {
			s.Flush()
			s.WaitForBackground(context.Background())
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := s.Range([]byte("key00001000"), []byte("key00002000"))
		if err != nil {
			b.Fatal(err)
		}
		for it.Next() {
		}
		it.Close()
	}
}

func BenchmarkMemtablePut(b *testing.B) {
	mt := newMemtable(CompareKeys)
	value := []byte("value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mt.Put(Entry{Key: []byte(fmt.Sprintf("key%08d", i)), Value: value})
	}
}

func BenchmarkBlockCompression(b *testing.B) {
	builder := newBlockBuilder(16 * 1024)
	for i := 0; builder.Add(Entry{Key: []byte(fmt.Sprintf("key%08d", i)), Value: []byte("some repetitive value data")}); i++ {
	}

	for _, compression := range []CompressionType{CompressionZstd, CompressionSnappy, CompressionNone} {
		b.Run(compression.String(), func(b *testing.B) {
			c, err := newCodec(compression, 1)
			if err != nil {
				b.Fatal(err)
			}
			defer c.close()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := builder.Finish(c); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

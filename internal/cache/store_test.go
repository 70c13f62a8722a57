package cache

import (
	"bytes"
	"os"
	"testing"

	"github.com/waveecore/waveecore/internal/ids"
)

func testFileID(b byte) ids.FileID {
	var id ids.FileID
	id[0] = b
	return id
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "cache-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteRangeThenReadRangeRoundTrips(t *testing.T) {
	s := openTestStore(t)
	fid := testFileID(1)

	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(i)
	}
	if err := s.WriteRange(fid, 10, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 50)
	n, err := s.ReadRange(fid, 10, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 50 || !bytes.Equal(buf, data) {
		t.Fatalf("read mismatch: n=%d", n)
	}
}

func TestWriteRangeSpanningChunkBoundary(t *testing.T) {
	s := openTestStore(t)
	s.chunkSize = 16
	fid := testFileID(2)

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := s.WriteRange(fid, 8, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 40)
	n, err := s.ReadRange(fid, 8, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 40 || !bytes.Equal(buf, data) {
		t.Fatalf("read mismatch across chunk boundary: n=%d", n)
	}
}

func TestWriteRangeIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	fid := testFileID(3)
	data := []byte("hello world")

	if err := s.WriteRange(fid, 0, data); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRange(fid, 0, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	n, err := s.ReadRange(fid, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) || !bytes.Equal(buf, data) {
		t.Fatalf("repeated write changed content: %q", buf[:n])
	}
}

func TestEnsureFreeSpaceEvictsLeastRecentlyUsed(t *testing.T) {
	s := openTestStore(t)
	s.chunkSize = 16
	s.maxCacheSizeBytes = 32
	s.minFreePercent = 0

	fidA := testFileID(0xA)
	fidB := testFileID(0xB)

	if err := s.WriteRange(fidA, 0, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRange(fidB, 0, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRange(fidB, 16, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}

	if err := s.EnsureFreeSpace(); err != nil {
		t.Fatal(err)
	}

	usage, err := s.diskUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage > s.maxCacheSizeBytes {
		t.Fatalf("usage %d still exceeds max %d after eviction", usage, s.maxCacheSizeBytes)
	}

	buf := make([]byte, 16)
	if _, err := s.ReadRange(fidA, 0, buf); err == nil {
		t.Fatal("expected fidA's chunk to have been evicted first (oldest)")
	}
}

func TestInvalidateRemovesAllChunks(t *testing.T) {
	s := openTestStore(t)
	s.chunkSize = 16
	fid := testFileID(4)

	if err := s.WriteRange(fid, 0, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if err := s.Invalidate(fid); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	if _, err := s.ReadRange(fid, 0, buf); err == nil {
		t.Fatal("expected read after invalidate to fail")
	}
}

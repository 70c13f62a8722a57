package metacache

import (
	"container/list"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEntityRoundTripThroughColdTier(t *testing.T) {
	c := newTestCache(t)

	if err := c.PutEntity("spotify:track:a", []byte("hello")); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	// Evict from hot to force a cold-tier read.
	c.hotMu.Lock()
	c.hotList.Init()
	c.hotIndex = make(map[string]*list.Element)
	c.hotMu.Unlock()

	ent, ok, err := c.GetEntity("spotify:track:a")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if !ok || string(ent.Data) != "hello" {
		t.Fatalf("GetEntity = %+v, ok=%v", ent, ok)
	}
}

func TestEntityMissReturnsNotOK(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.GetEntity("spotify:track:missing")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestExtensionFreshVsExpired(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	if err := c.PutExtension("spotify:track:a", "lyrics", []byte("la la"), "etag-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("PutExtension: %v", err)
	}

	ext, ok, err := c.GetExtensionFresh("spotify:track:a", "lyrics", now)
	if err != nil || !ok {
		t.Fatalf("GetExtensionFresh (not yet expired) ok=%v err=%v", ok, err)
	}
	if string(ext.Data) != "la la" || ext.ETag != "etag-1" {
		t.Fatalf("unexpected extension: %+v", ext)
	}

	_, ok, err = c.GetExtensionFresh("spotify:track:a", "lyrics", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("GetExtensionFresh (expired): %v", err)
	}
	if ok {
		t.Fatal("expected expired extension to report not-fresh")
	}

	etag, ok, err := c.GetExtensionETag("spotify:track:a", "lyrics")
	if err != nil || !ok || etag != "etag-1" {
		t.Fatalf("GetExtensionETag past expiry: etag=%q ok=%v err=%v", etag, ok, err)
	}
}

func TestInvalidateRemovesEntityAndExtensions(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	c.PutEntity("spotify:track:a", []byte("x"))
	c.PutExtension("spotify:track:a", "lyrics", []byte("y"), "e", now.Add(time.Hour))

	if err := c.Invalidate("spotify:track:a"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if _, ok, _ := c.GetEntity("spotify:track:a"); ok {
		t.Fatal("entity survived invalidation")
	}
	if _, ok, _ := c.GetExtensionETag("spotify:track:a", "lyrics"); ok {
		t.Fatal("extension survived invalidation")
	}
}

func TestCleanupPurgesOnlyPastGracePeriod(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	c.PutExtension("spotify:track:a", "lyrics", []byte("recent"), "e1", now.Add(-time.Hour))
	c.PutExtension("spotify:track:b", "lyrics", []byte("ancient"), "e2", now.Add(-48*time.Hour))

	n, err := c.Cleanup(now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("Cleanup purged %d rows, want 1", n)
	}

	if _, ok, _ := c.GetExtensionETag("spotify:track:a", "lyrics"); !ok {
		t.Fatal("recently expired extension should survive cleanup (within grace)")
	}
	if _, ok, _ := c.GetExtensionETag("spotify:track:b", "lyrics"); ok {
		t.Fatal("long-expired extension should be purged")
	}
}

func TestHotTierLRUEviction(t *testing.T) {
	c := newTestCache(t)
	c.hotCap = 2

	c.PutEntity("a", []byte("1"))
	c.PutEntity("b", []byte("2"))
	c.PutEntity("c", []byte("3")) // evicts "a"

	c.hotMu.Lock()
	_, stillHot := c.hotIndex["a"]
	c.hotMu.Unlock()
	if stillHot {
		t.Fatal("expected \"a\" to be evicted from the hot tier")
	}

	// Still retrievable via the cold tier.
	ent, ok, err := c.GetEntity("a")
	if err != nil || !ok || string(ent.Data) != "1" {
		t.Fatalf("GetEntity(a) after eviction: %+v ok=%v err=%v", ent, ok, err)
	}
}

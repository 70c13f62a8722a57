// Package metacache is a two-tier cache for externally fetched opaque
// metadata blobs: a bounded in-process LRU ("hot") backed by a persistent
// SQLite key-value store ("cold"), following the same journal-as-database
// pattern as internal/cache's chunk journal.
package metacache

import (
	"container/list"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waveecore/waveecore/internal/logging"
)

const (
	// DefaultHotCapacity bounds the in-process LRU by entry count.
	DefaultHotCapacity = 512

	// expiredGrace is how long an expired extension lingers (still readable
	// via the etag accessor) before periodic cleanup purges it outright.
	expiredGrace = 24 * time.Hour
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		uri        TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE TABLE IF NOT EXISTS extensions (
		uri             TEXT NOT NULL,
		extension_kind  TEXT NOT NULL,
		data            BLOB NOT NULL,
		etag            TEXT NOT NULL DEFAULT '',
		ttl_expires_at  INTEGER NOT NULL,
		PRIMARY KEY (uri, extension_kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_ttl ON extensions(ttl_expires_at)`,
}

// Entity is an opaque metadata blob addressed by URI.
type Entity struct {
	URI  string
	Data []byte
}

// Extension is a per-(uri, kind) conditional-fetch-cacheable blob.
type Extension struct {
	URI       string
	Kind      string
	Data      []byte
	ETag      string
	ExpiresAt time.Time
}

func (e Extension) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Cache is the tiered entity/extension metadata store.
type Cache struct {
	db  *sql.DB
	log *slog.Logger

	hotMu    sync.Mutex
	hotCap   int
	hotList  *list.List // front = most recently used
	hotIndex map[string]*list.Element
}

type hotEntry struct {
	uri  string
	data []byte
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("metacache: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metacache: open: %w", err)
	}
	db.SetMaxOpenConns(4)

	c := &Cache{
		db:       db,
		log:      logging.For("metacache"),
		hotCap:   DefaultHotCapacity,
		hotList:  list.New(),
		hotIndex: make(map[string]*list.Element),
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("metacache: create schema_migrations: %w", err)
	}
	var current int
	if err := c.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("metacache: read schema version: %w", err)
	}
	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("metacache: migration %d: %w", v, err)
		}
		if _, err := c.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("metacache: record migration %d: %w", v, err)
		}
	}
	return nil
}

// GetEntity returns the cached blob for uri, checking the hot tier first
// and falling back to (and repopulating from) the cold tier.
func (c *Cache) GetEntity(uri string) (Entity, bool, error) {
	if data, ok := c.hotGet(uri); ok {
		return Entity{URI: uri, Data: data}, true, nil
	}

	var data []byte
	err := c.db.QueryRow(`SELECT data FROM entities WHERE uri = ?`, uri).Scan(&data)
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("metacache: get entity %s: %w", uri, err)
	}
	c.hotPut(uri, data)
	return Entity{URI: uri, Data: data}, true, nil
}

// PutEntity writes the blob to both tiers.
func (c *Cache) PutEntity(uri string, data []byte) error {
	_, err := c.db.Exec(
		`INSERT INTO entities(uri, data, updated_at) VALUES(?, ?, unixepoch())
		 ON CONFLICT(uri) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		uri, data,
	)
	if err != nil {
		return fmt.Errorf("metacache: put entity %s: %w", uri, err)
	}
	c.hotPut(uri, data)
	return nil
}

// GetExtensionFresh returns the extension only if it has not expired.
func (c *Cache) GetExtensionFresh(uri, kind string, now time.Time) (Extension, bool, error) {
	ext, ok, err := c.getExtensionRow(uri, kind)
	if err != nil || !ok {
		return Extension{}, false, err
	}
	if ext.expired(now) {
		return Extension{}, false, nil
	}
	return ext, true, nil
}

// GetExtensionETag returns the etag for (uri, kind) regardless of
// expiry, for use in a conditional HTTP request even after a TTL lapse.
func (c *Cache) GetExtensionETag(uri, kind string) (string, bool, error) {
	ext, ok, err := c.getExtensionRow(uri, kind)
	if err != nil || !ok {
		return "", false, err
	}
	return ext.ETag, true, nil
}

func (c *Cache) getExtensionRow(uri, kind string) (Extension, bool, error) {
	var ext Extension
	var expires int64
	err := c.db.QueryRow(
		`SELECT data, etag, ttl_expires_at FROM extensions WHERE uri = ? AND extension_kind = ?`,
		uri, kind,
	).Scan(&ext.Data, &ext.ETag, &expires)
	if err == sql.ErrNoRows {
		return Extension{}, false, nil
	}
	if err != nil {
		return Extension{}, false, fmt.Errorf("metacache: get extension %s/%s: %w", uri, kind, err)
	}
	ext.URI = uri
	ext.Kind = kind
	ext.ExpiresAt = time.Unix(expires, 0)
	return ext, true, nil
}

// PutExtension upserts an extension's bytes, etag, and expiry.
func (c *Cache) PutExtension(uri, kind string, data []byte, etag string, expiresAt time.Time) error {
	_, err := c.db.Exec(
		`INSERT INTO extensions(uri, extension_kind, data, etag, ttl_expires_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(uri, extension_kind) DO UPDATE SET data=excluded.data, etag=excluded.etag, ttl_expires_at=excluded.ttl_expires_at`,
		uri, kind, data, etag, expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("metacache: put extension %s/%s: %w", uri, kind, err)
	}
	return nil
}

// Invalidate removes uri's entity and every extension of it from both tiers.
func (c *Cache) Invalidate(uri string) error {
	c.hotMu.Lock()
	if el, ok := c.hotIndex[uri]; ok {
		c.hotList.Remove(el)
		delete(c.hotIndex, uri)
	}
	c.hotMu.Unlock()

	if _, err := c.db.Exec(`DELETE FROM entities WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("metacache: invalidate entity %s: %w", uri, err)
	}
	if _, err := c.db.Exec(`DELETE FROM extensions WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("metacache: invalidate extensions %s: %w", uri, err)
	}
	return nil
}

// Cleanup purges extensions that expired more than the grace period ago.
func (c *Cache) Cleanup(now time.Time) (int64, error) {
	cutoff := now.Add(-expiredGrace).Unix()
	res, err := c.db.Exec(`DELETE FROM extensions WHERE ttl_expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("metacache: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Debug("metacache: purged expired extensions", "count", n)
	}
	return n, nil
}

// RunCleanup periodically invokes Cleanup until ctx-equivalent stop fires.
func (c *Cache) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			if _, err := c.Cleanup(t); err != nil {
				c.log.Warn("metacache: cleanup failed", "error", err)
			}
		}
	}
}

func (c *Cache) hotGet(uri string) ([]byte, bool) {
	c.hotMu.Lock()
	defer c.hotMu.Unlock()
	el, ok := c.hotIndex[uri]
	if !ok {
		return nil, false
	}
	c.hotList.MoveToFront(el)
	return el.Value.(*hotEntry).data, true
}

func (c *Cache) hotPut(uri string, data []byte) {
	c.hotMu.Lock()
	defer c.hotMu.Unlock()
	if el, ok := c.hotIndex[uri]; ok {
		el.Value.(*hotEntry).data = data
		c.hotList.MoveToFront(el)
		return
	}
	el := c.hotList.PushFront(&hotEntry{uri: uri, data: data})
	c.hotIndex[uri] = el
	for c.hotList.Len() > c.hotCap {
		oldest := c.hotList.Back()
		if oldest == nil {
			break
		}
		c.hotList.Remove(oldest)
		delete(c.hotIndex, oldest.Value.(*hotEntry).uri)
	}
}

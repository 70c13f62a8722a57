// Package cache is the on-disk, content-addressed store of decrypted-but-
// unmodified audio object bytes. A SQLite journal (modeled on the
// migrations-as-ordered-statements style used elsewhere in this codebase)
// tracks which fixed-size chunks are owned per file_id; the chunk bytes
// themselves live as plain files, written via a temp-then-rename so a crash
// mid-write never leaves a partial chunk visible.
package cache

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waveecore/waveecore/internal/ids"
	"github.com/waveecore/waveecore/internal/logging"
)

const (
	DefaultChunkSize         = 128 * 1024
	DefaultMaxCacheSizeBytes = 1 << 30 // 1 GiB
	DefaultMinFreePercent    = 10
	DefaultPruneInterval     = 5 * time.Minute
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS files (
		file_id    TEXT PRIMARY KEY,
		total_size INTEGER NOT NULL,
		format     TEXT NOT NULL DEFAULT '',
		chunk_size INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		file_id     TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		size        INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (file_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_accessed ON chunks(accessed_at)`,
}

// Store is the on-disk chunk cache. One Store serves every file_id under
// dir; per-(file_id,chunk_index) locks let writers and readers proceed
// without serializing unrelated chunks.
type Store struct {
	dir       string
	db        *sql.DB
	log       *slog.Logger
	chunkSize int

	maxCacheSizeBytes int64
	minFreePercent    int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pruneMu  sync.Mutex
	lastRun  time.Time
	interval time.Duration
}

// Open opens (or creates) the journal database under dir and ensures dir
// exists for chunk files.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "journal.db"))
	if err != nil {
		return nil, fmt.Errorf("cache: open journal: %w", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{
		dir:               dir,
		db:                db,
		log:               logging.For("cache"),
		chunkSize:         DefaultChunkSize,
		maxCacheSizeBytes: DefaultMaxCacheSizeBytes,
		minFreePercent:    DefaultMinFreePercent,
		locks:             make(map[string]*sync.Mutex),
		interval:          DefaultPruneInterval,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return fmt.Errorf("cache: create schema_migrations: %w", err)
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("cache: read schema version: %w", err)
	}
	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("cache: migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("cache: record migration %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) chunkLock(fileID ids.FileID, idx uint64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", fileID.ToBase16(), idx)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) chunkPath(fileID ids.FileID, idx uint64) string {
	return filepath.Join(s.dir, fileID.ToBase16(), fmt.Sprintf("%08d.chunk", idx))
}

// WriteRange persists data (whose length may span multiple chunk_size
// boundaries) starting at byte offset for fileID, one chunk file at a time.
// Each chunk write is idempotent: writing the same (file_id, chunk_index)
// twice with the same bytes is a no-op observable by readers either before
// or after, never a torn mix of the two.
func (s *Store) WriteRange(fileID ids.FileID, offset uint64, data []byte) error {
	if err := os.MkdirAll(filepath.Join(s.dir, fileID.ToBase16()), 0o755); err != nil {
		return err
	}

	pos := offset
	remaining := data
	for len(remaining) > 0 {
		idx := pos / uint64(s.chunkSize)
		chunkStart := idx * uint64(s.chunkSize)
		within := pos - chunkStart
		n := uint64(s.chunkSize) - within
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		if err := s.writeChunkSlice(fileID, idx, within, remaining[:n]); err != nil {
			return err
		}

		pos += n
		remaining = remaining[n:]
	}
	return nil
}

// writeChunkSlice writes data at byte offset `within` inside chunk idx,
// merging with any bytes already on disk for that chunk so a range spanning
// part of a chunk doesn't truncate the rest of it.
func (s *Store) writeChunkSlice(fileID ids.FileID, idx, within uint64, data []byte) error {
	lock := s.chunkLock(fileID, idx)
	lock.Lock()
	defer lock.Unlock()

	path := s.chunkPath(fileID, idx)
	existing, _ := os.ReadFile(path)

	needed := int(within) + len(data)
	if needed < len(existing) {
		needed = len(existing)
	}
	merged := make([]byte, needed)
	copy(merged, existing)
	copy(merged[within:], data)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(merged); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO chunks(file_id, chunk_index, size, accessed_at) VALUES(?, ?, ?, unixepoch())
		 ON CONFLICT(file_id, chunk_index) DO UPDATE SET size=excluded.size, accessed_at=excluded.accessed_at`,
		fileID.ToBase16(), idx, len(merged),
	)
	return err
}

// ReadRange reads len(buf) bytes starting at offset for fileID, returning
// however many are actually available (fewer than len(buf) is not an
// error — callers compare against what they asked for).
func (s *Store) ReadRange(fileID ids.FileID, offset uint64, buf []byte) (int, error) {
	total := 0
	pos := offset
	for total < len(buf) {
		idx := pos / uint64(s.chunkSize)
		within := pos - idx*uint64(s.chunkSize)

		lock := s.chunkLock(fileID, idx)
		lock.Lock()
		data, err := os.ReadFile(s.chunkPath(fileID, idx))
		lock.Unlock()
		if err != nil {
			break
		}
		if within >= uint64(len(data)) {
			break
		}

		n := copy(buf[total:], data[within:])
		total += n
		pos += uint64(n)
		if n == 0 {
			break
		}
	}
	s.touch(fileID)
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (s *Store) touch(fileID ids.FileID) {
	_, _ = s.db.Exec(`UPDATE files SET accessed_at = unixepoch() WHERE file_id = ?`, fileID.ToBase16())
	_, _ = s.db.Exec(`UPDATE chunks SET accessed_at = unixepoch() WHERE file_id = ?`, fileID.ToBase16())
}

// RegisterFile records journal metadata for fileID, so the cache knows its
// total size and chosen chunk size ahead of any writes.
func (s *Store) RegisterFile(fileID ids.FileID, totalSize uint64, format string) error {
	_, err := s.db.Exec(
		`INSERT INTO files(file_id, total_size, format, chunk_size, accessed_at) VALUES(?, ?, ?, ?, unixepoch())
		 ON CONFLICT(file_id) DO UPDATE SET total_size=excluded.total_size, format=excluded.format`,
		fileID.ToBase16(), totalSize, format, s.chunkSize,
	)
	return err
}

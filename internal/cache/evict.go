package cache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/waveecore/waveecore/internal/ids"
)

// chunkRow is one least-recently-accessed-first candidate for eviction.
type chunkRow struct {
	fileID     string
	chunkIndex uint64
	size       int64
}

// EnsureFreeSpace evicts least-recently-accessed chunks, oldest first,
// until on-disk usage is at or below maxCacheSizeBytes with at least
// minFreePercent headroom, or there is nothing left to evict. It is safe to
// call directly (bypassing the periodic prune interval) when a caller is
// about to write and wants headroom guaranteed first.
func (s *Store) EnsureFreeSpace() error {
	usage, err := s.diskUsage()
	if err != nil {
		return err
	}
	threshold := s.maxCacheSizeBytes * int64(100-s.minFreePercent) / 100

	for usage > threshold {
		row, ok, err := s.oldestChunk()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.evictChunk(row); err != nil {
			return err
		}
		usage -= row.size
	}
	return nil
}

// MaybePrune runs EnsureFreeSpace only if pruneInterval has elapsed since
// the last run, or force is true.
func (s *Store) MaybePrune(force bool) error {
	s.pruneMu.Lock()
	due := force || time.Since(s.lastRun) >= s.interval
	if due {
		s.lastRun = time.Now()
	}
	s.pruneMu.Unlock()
	if !due {
		return nil
	}
	return s.EnsureFreeSpace()
}

func (s *Store) diskUsage() (int64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM chunks`)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) oldestChunk() (chunkRow, bool, error) {
	row := s.db.QueryRow(`SELECT file_id, chunk_index, size FROM chunks ORDER BY accessed_at ASC LIMIT 1`)
	var r chunkRow
	if err := row.Scan(&r.fileID, &r.chunkIndex, &r.size); err != nil {
		return chunkRow{}, false, nil
	}
	return r, true, nil
}

func (s *Store) evictChunk(row chunkRow) error {
	var fid ids.FileID
	decoded, err := ids.FileIDFromBase16(row.fileID)
	if err == nil {
		fid = decoded
	}

	lock := s.chunkLock(fid, row.chunkIndex)
	lock.Lock()
	_ = os.Remove(s.chunkPath(fid, row.chunkIndex))
	lock.Unlock()

	_, err = s.db.Exec(`DELETE FROM chunks WHERE file_id = ? AND chunk_index = ?`, row.fileID, row.chunkIndex)
	return err
}

// Invalidate removes every chunk and the journal row for fileID.
func (s *Store) Invalidate(fileID ids.FileID) error {
	rows, err := s.db.Query(`SELECT chunk_index FROM chunks WHERE file_id = ?`, fileID.ToBase16())
	if err != nil {
		return err
	}
	var indices []uint64
	for rows.Next() {
		var idx uint64
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		indices = append(indices, idx)
	}
	rows.Close()

	for _, idx := range indices {
		lock := s.chunkLock(fileID, idx)
		lock.Lock()
		_ = os.Remove(s.chunkPath(fileID, idx))
		lock.Unlock()
	}

	_ = os.Remove(filepath.Join(s.dir, fileID.ToBase16()))
	if _, err := s.db.Exec(`DELETE FROM chunks WHERE file_id = ?`, fileID.ToBase16()); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM files WHERE file_id = ?`, fileID.ToBase16())
	return err
}

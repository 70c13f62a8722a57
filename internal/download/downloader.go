package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/waveecore/waveecore/internal/ids"
	"github.com/waveecore/waveecore/internal/logging"
	"github.com/waveecore/waveecore/internal/rangeset"
)

const (
	ChunkSize          = 128 * 1024
	defaultPrefetch    = 4 * ChunkSize
	defaultMaxParallel = 4
	fetchTimeout       = 15 * time.Second
)

var retryBackoff = []time.Duration{
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Store is the backing chunk cache a Downloader feeds completed ranges
// into and reads already-owned bytes back from (implemented by
// internal/cache.Store).
type Store interface {
	WriteRange(fileID ids.FileID, offset uint64, data []byte) error
	ReadRange(fileID ids.FileID, offset uint64, buf []byte) (int, error)
}

// RangeFetcher issues one HTTP range GET and returns the body stream.
type RangeFetcher interface {
	FetchRange(ctx context.Context, fileID ids.FileID, start, end uint64) (io.ReadCloser, error)
}

// HTTPRangeFetcher is the production RangeFetcher, issuing a GET with a
// byte-range header against a per-file content URL.
type HTTPRangeFetcher struct {
	HTTPClient *http.Client
	URLFor     func(fileID ids.FileID) string
}

func (f *HTTPRangeFetcher) FetchRange(ctx context.Context, fileID ids.FileID, start, end uint64) (io.ReadCloser, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URLFor(fileID), nil)
	if err != nil {
		return nil, newErr(KindNetworkError, 0, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := client.Do(req)
	if err != nil {
		return nil, newErr(KindNetworkError, 0, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, newErr(KindNotFound, resp.StatusCode, nil)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, newErr(KindHTTPError, resp.StatusCode, nil)
	}
	return resp.Body, nil
}

type waiter struct {
	offset uint64
	want   int
	ready  chan struct{}
}

// FileDownloader fetches the bytes of one file_id on demand, in ranges
// running from the requested offset to the end of the prefetch window
// (not aligned to chunk boundaries), tracking ownership with a rangeset.Set and
// bounding outstanding fetches to maxParallel.
type FileDownloader struct {
	fileID    ids.FileID
	totalSize uint64
	fetcher   RangeFetcher
	store     Store
	log       *slog.Logger

	maxParallel int
	prefetch    uint64
	limiter     *rate.Limiter
	sem         chan struct{}

	mu      sync.Mutex
	owned   *rangeset.Set
	pending *rangeset.Set
	waiters []*waiter
}

// NewFileDownloader builds a downloader for fileID/totalSize, storing
// fetched bytes through store.
func NewFileDownloader(fileID ids.FileID, totalSize uint64, fetcher RangeFetcher, store Store) *FileDownloader {
	return &FileDownloader{
		fileID:      fileID,
		totalSize:   totalSize,
		fetcher:     fetcher,
		store:       store,
		log:         logging.For("download.file"),
		maxParallel: defaultMaxParallel,
		prefetch:    defaultPrefetch,
		limiter:     rate.NewLimiter(rate.Limit(defaultMaxParallel*4), defaultMaxParallel*4),
		sem:         make(chan struct{}, defaultMaxParallel),
		owned:       rangeset.New(),
		pending:     rangeset.New(),
	}
}

// Read returns up to want bytes starting at offset, fetching from the
// network if they are not yet cached. It blocks until enough bytes are
// available or ctx is canceled.
func (d *FileDownloader) Read(ctx context.Context, offset uint64, want int) ([]byte, error) {
	for {
		d.mu.Lock()
		avail := d.owned.ContainedLengthFrom(offset)
		if avail >= uint64(want) {
			d.mu.Unlock()
			buf := make([]byte, want)
			n, err := d.store.ReadRange(d.fileID, offset, buf)
			if err != nil {
				return nil, err
			}
			return buf[:n], nil
		}

		w := &waiter{offset: offset, want: want, ready: make(chan struct{})}
		d.waiters = append(d.waiters, w)
		d.scheduleFetchLocked(offset)
		d.mu.Unlock()

		select {
		case <-w.ready:
			continue
		case <-ctx.Done():
			return nil, newErr(KindCanceled, 0, ctx.Err())
		}
	}
}

// scheduleFetchLocked issues range fetches for the gaps between offset and
// offset+prefetch that are not already owned or pending. Caller must hold d.mu.
func (d *FileDownloader) scheduleFetchLocked(offset uint64) {
	end := offset + d.prefetch
	if d.totalSize > 0 && end > d.totalSize {
		end = d.totalSize
	}
	if end <= offset {
		return
	}

	covered := rangeset.New()
	for _, r := range d.owned.ToSlice() {
		covered.Add(r.Start, r.End)
	}
	for _, r := range d.pending.ToSlice() {
		covered.Add(r.Start, r.End)
	}

	for _, gap := range covered.Gaps(offset, end) {
		d.pending.Add(gap.Start, gap.End)
		go d.fetchWithRetry(gap.Start, gap.End)
	}
}

func (d *FileDownloader) fetchWithRetry(start, end uint64) {
	select {
	case d.sem <- struct{}{}:
	}
	defer func() { <-d.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	if err := d.limiter.Wait(ctx); err != nil {
		d.abandonRange(start, end)
		return
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		fetchStart := time.Now()
		err := d.fetchOnce(ctx, start, end)
		d.recordFetchOutcome(time.Since(fetchStart), err != nil)
		if err != nil {
			if derr, ok := err.(*Error); ok && derr.Kind == KindNotFound {
				d.log.Warn("range fetch 404, fatal", "start", start, "end", end)
				d.abandonRange(start, end)
				return
			}
			lastErr = err
			if attempt >= len(retryBackoff) {
				d.log.Warn("range fetch exhausted retries", "start", start, "end", end, "error", lastErr)
				d.abandonRange(start, end)
				return
			}
			time.Sleep(retryBackoff[attempt])
			continue
		}
		return
	}
}

func (d *FileDownloader) fetchOnce(ctx context.Context, start, end uint64) error {
	body, err := d.fetcher.FetchRange(ctx, d.fileID, start, end)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return newErr(KindNetworkError, 0, err)
	}
	if err := d.store.WriteRange(d.fileID, start, data); err != nil {
		return newErr(KindNetworkError, 0, err)
	}

	d.mu.Lock()
	d.owned.Add(start, start+uint64(len(data)))
	d.pending.Subtract(start, end)
	d.wakeSatisfiedWaitersLocked()
	d.mu.Unlock()
	return nil
}

func (d *FileDownloader) abandonRange(start, end uint64) {
	d.mu.Lock()
	d.pending.Subtract(start, end)
	d.mu.Unlock()
}

// wakeSatisfiedWaitersLocked must be called with d.mu held.
func (d *FileDownloader) wakeSatisfiedWaitersLocked() {
	remaining := d.waiters[:0]
	for _, w := range d.waiters {
		if d.owned.ContainedLengthFrom(w.offset) >= uint64(w.want) {
			close(w.ready)
		} else {
			remaining = append(remaining, w)
		}
	}
	d.waiters = remaining
}

// PrefetchForSeek converts an estimated byte offset (the caller derives it
// from the decoder's byte-rate estimate) into a range fetch covering the
// standard prefetch window, ahead of the decoder reopening at that offset.
func (d *FileDownloader) PrefetchForSeek(estimatedByte uint64) {
	d.mu.Lock()
	d.scheduleFetchLocked(estimatedByte)
	d.mu.Unlock()
}

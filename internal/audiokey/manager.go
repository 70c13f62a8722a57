// Package audiokey requests the per-(track,file) AES key needed to decrypt
// an audio object, correlating requests and responses over an AP session by
// sequence number, with retry-with-backoff on timeout.
package audiokey

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waveecore/waveecore/internal/ap"
	"github.com/waveecore/waveecore/internal/ids"
	"github.com/waveecore/waveecore/internal/logging"
)

// AP command bytes used by the audio key exchange.
const (
	CmdRequestKey  byte = 0x0c
	CmdAESKey      byte = 0x0d
	CmdAESKeyError byte = 0x0e
)

// retryDelays is the literal backoff schedule: a fresh request (fresh seq)
// is sent immediately, then after 500ms, 1000ms, 2000ms, 3000ms.
var retryDelays = []time.Duration{
	0,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	3000 * time.Millisecond,
}

// perAttemptTimeout is a var rather than a const so tests can shrink it.
var perAttemptTimeout = 3000 * time.Millisecond

// Key is the 16-byte AES key used to decrypt one audio file's bytes.
type Key [16]byte

// sender is the subset of *ap.Session the manager needs; narrowed to an
// interface so tests can exercise Manager without a live AP connection.
type sender interface {
	Handle(cmd byte, fn func(ap.Packet))
	Send(cmd byte, payload []byte) error
}

type pendingRequest struct {
	fileID ids.FileID
	result chan requestResult
}

type requestResult struct {
	key Key
	err error
}

// Manager correlates audio key requests/responses over one AP session and
// caches resolved keys for the life of the session.
type Manager struct {
	session sender
	log     *slog.Logger

	seq uint32 // atomic

	mu      sync.Mutex
	pending map[uint32]*pendingRequest

	cacheMu sync.RWMutex
	cache   map[ids.FileID]Key
}

// New builds a Manager over session, registering handlers for the AES_KEY
// and AES_KEY_ERROR response commands.
func New(session sender) *Manager {
	m := &Manager{
		session: session,
		log:     logging.For("audiokey"),
		pending: make(map[uint32]*pendingRequest),
		cache:   make(map[ids.FileID]Key),
	}
	session.Handle(CmdAESKey, m.handleAESKey)
	session.Handle(CmdAESKeyError, m.handleAESKeyError)
	return m
}

// Request resolves the AES key for (trackID, fileID), consulting the cache
// first. On a cache miss it sends up to 5 REQUEST_KEY attempts per
// retryDelays, each with its own fresh sequence number and a 3s timeout,
// returning KindTimeout only once every attempt has timed out.
func (m *Manager) Request(ctx context.Context, trackID ids.EntityID, fileID ids.FileID) (Key, error) {
	if cached, ok := m.lookupCache(fileID); ok {
		return cached, nil
	}

	var lastErr error
	for _, delay := range retryDelays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Key{}, newErr(KindInternalError, ctx.Err())
			}
		}

		key, err := m.attempt(ctx, trackID, fileID)
		if err == nil {
			return key, nil
		}
		if aerr, ok := err.(*Error); ok && aerr.Kind == KindKeyError {
			// A definitive server-side rejection; retrying won't help.
			return Key{}, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = newErr(KindTimeout, nil)
	}
	return Key{}, lastErr
}

func (m *Manager) attempt(ctx context.Context, trackID ids.EntityID, fileID ids.FileID) (Key, error) {
	seq := atomic.AddUint32(&m.seq, 1)

	req := &pendingRequest{fileID: fileID, result: make(chan requestResult, 1)}
	m.mu.Lock()
	m.pending[seq] = req
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, seq)
		m.mu.Unlock()
	}()

	payload := make([]byte, 20+16+4+2)
	if err := fileID.WriteRaw(payload[0:20]); err != nil {
		return Key{}, newErr(KindInternalError, err)
	}
	copy(payload[20:36], trackID.ToRaw())
	binary.BigEndian.PutUint32(payload[36:40], seq)
	// trailing 2 bytes left zero

	if err := m.session.Send(CmdRequestKey, payload); err != nil {
		return Key{}, newErr(KindNotConnected, err)
	}

	timer := time.NewTimer(perAttemptTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res.key, res.err
	case <-timer.C:
		return Key{}, newErr(KindTimeout, nil)
	case <-ctx.Done():
		return Key{}, newErr(KindInternalError, ctx.Err())
	}
}

func (m *Manager) handleAESKey(pkt ap.Packet) {
	if len(pkt.Payload) != 20 {
		m.log.Warn("audiokey: malformed AES_KEY payload", "len", len(pkt.Payload))
		return
	}
	seq := binary.BigEndian.Uint32(pkt.Payload[0:4])
	var key Key
	copy(key[:], pkt.Payload[4:20])

	m.mu.Lock()
	req, ok := m.pending[seq]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("audiokey: AES_KEY for unknown/expired seq", "seq", seq)
		return
	}

	m.cacheMu.Lock()
	m.cache[req.fileID] = key
	m.cacheMu.Unlock()

	req.result <- requestResult{key: key}
}

func (m *Manager) handleAESKeyError(pkt ap.Packet) {
	if len(pkt.Payload) != 6 {
		m.log.Warn("audiokey: malformed AES_KEY_ERROR payload", "len", len(pkt.Payload))
		return
	}
	seq := binary.BigEndian.Uint32(pkt.Payload[0:4])
	code := binary.BigEndian.Uint16(pkt.Payload[4:6])

	m.mu.Lock()
	req, ok := m.pending[seq]
	m.mu.Unlock()
	if !ok {
		return
	}
	req.result <- requestResult{err: &Error{Kind: KindKeyError, Code: code}}
}

func (m *Manager) lookupCache(fileID ids.FileID) (Key, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	k, ok := m.cache[fileID]
	return k, ok
}

package ap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/waveecore/waveecore/internal/logging"
)

// AP command bytes relevant to session-level dispatch. Per-feature packages
// (audiokey, mercury-style requests, etc.) register their own command
// ranges via Handle.
const (
	CmdPing        byte = 0x04
	CmdPingAck     byte = 0x49
	CmdCountryCode byte = 0x1b
)

const (
	sendQueueDepth      = 64
	defaultPingInterval = 60 * time.Second
	defaultPingTimeout  = 10 * time.Second
)

// Option configures optional Session parameters away from their defaults.
type Option func(*Session)

// WithPingInterval overrides the default 60s interval between heartbeat pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithPingTimeout overrides the default 10s grace period after a ping
// before the session is considered dead.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Session) { s.pingTimeout = d }
}

// Session owns one AP connection's read/write loops and dispatches decoded
// packets by command byte, matching the teacher's conn.go read-loop /
// write-queue split and its command dispatch via registered handlers.
type Session struct {
	conn net.Conn
	dec  *Codec // owned by readLoop only
	enc  *Codec // owned by writeLoop only

	log *slog.Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbound chan Packet

	mu       sync.Mutex
	handlers map[byte]func(Packet)

	lastPong   atomic64
	closeOnce  sync.Once
	closeErr   error
	closedChan chan struct{}
}

type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// DialTLS connects to addr, completes the TLS handshake and the AP
// handshake, and starts the session's read/write/heartbeat loops.
func DialTLS(ctx context.Context, addr string, tlsConfig *tls.Config, opts ...Option) (*Session, error) {
	dialer := &net.Dialer{Timeout: handshakeTimeout}
	rawConn, err := tlsDial(ctx, dialer, addr, tlsConfig)
	if err != nil {
		return nil, newErr(KindNetworkError, err)
	}

	keys, err := Handshake(rawConn, nil)
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	// A Codec's Encode only ever drives its send cipher and Decode only
	// ever drives its recv cipher, so each unidirectional wrapper can pass
	// its one real key for both NewCodec arguments safely.
	dec := newDirectionalCodec(rawConn, keys.RecvKey)
	enc := newDirectionalCodec(rawConn, keys.SendKey)

	s := &Session{
		conn:         rawConn,
		dec:          dec,
		enc:          enc,
		log:          logging.For("ap.session"),
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		outbound:     make(chan Packet, sendQueueDepth),
		handlers:     make(map[byte]func(Packet)),
		closedChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastPong.set(time.Now())

	s.Handle(CmdPingAck, func(Packet) { s.lastPong.set(time.Now()) })
	s.Handle(CmdPing, func(Packet) { _ = s.Send(CmdPingAck, nil) })

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.heartbeatLoop()

	return s, nil
}

func tlsDial(ctx context.Context, dialer *net.Dialer, addr string, cfg *tls.Config) (net.Conn, error) {
	d := tls.Dialer{NetDialer: dialer, Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

func newDirectionalCodec(conn net.Conn, key []byte) *Codec {
	c, err := NewCodec(conn, key, key)
	if err != nil {
		// Key length is validated earlier during handshake key derivation
		// (always 32 bytes), so this cannot fail in practice.
		panic(err)
	}
	return c
}

// Handle registers fn to be invoked (on the read-loop goroutine) for every
// decoded packet with the given command byte. Registering for a command
// that already has a handler replaces it.
func (s *Session) Handle(cmd byte, fn func(Packet)) {
	s.mu.Lock()
	s.handlers[cmd] = fn
	s.mu.Unlock()
}

// Send enqueues a packet for transmission. It blocks until the write loop
// has room or the session closes.
func (s *Session) Send(cmd byte, payload []byte) error {
	// Check closure first: once closed, a select with a free outbound slot
	// would otherwise pick either case at random.
	select {
	case <-s.closedChan:
		return newErr(KindSessionClosed, nil)
	default:
	}
	select {
	case <-s.closedChan:
		return newErr(KindSessionClosed, nil)
	case s.outbound <- Packet{Cmd: cmd, Payload: payload}:
		return nil
	}
}

// Close shuts the session down: cancels loops, closes the underlying
// connection, and waits for all goroutines to exit. Safe to call more than
// once; only the first call's error (if any) is retained.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closedChan)
		s.closeErr = s.conn.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

// Done returns a channel closed as soon as shutdown begins (Close was
// called or the parent context was canceled), before the loops have exited.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		pkt, err := s.dec.Decode()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("ap session read failed, closing", "error", err)
			go s.Close()
			return
		}

		s.mu.Lock()
		fn := s.handlers[pkt.Cmd]
		s.mu.Unlock()

		if fn != nil {
			fn(pkt)
		} else {
			s.log.Debug("ap session: no handler for command", "cmd", fmt.Sprintf("0x%02x", pkt.Cmd))
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.enc.Encode(pkt.Cmd, pkt.Payload); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Warn("ap session write failed, closing", "error", err)
				go s.Close()
				return
			}
		}
	}
}

// heartbeatLoop sends a Ping on an interval and closes the session if no
// PingAck has been observed within pingTimeout of the last ping sent.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.lastPong.get()) > s.pingInterval+s.pingTimeout {
				s.log.Warn("ap session heartbeat timeout, closing")
				go s.Close()
				return
			}
			if err := s.Send(CmdPing, nil); err != nil {
				return
			}
		}
	}
}

var _ io.Closer = (*Session)(nil)

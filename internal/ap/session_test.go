package ap

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSessionPair wires up a Session on one end of an in-memory pipe with
// a bare Codec driving the other end directly, bypassing TLS/handshake so
// the dispatch/heartbeat machinery can be exercised in isolation.
func newTestSessionPair(t *testing.T) (*Session, *Codec) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	dec := newDirectionalCodec(clientConn, key)
	enc := newDirectionalCodec(clientConn, key)

	s := &Session{
		conn:       clientConn,
		dec:        dec,
		enc:        enc,
		outbound:   make(chan Packet, sendQueueDepth),
		handlers:   make(map[byte]func(Packet)),
		closedChan: make(chan struct{}),
		log:        discardLogger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastPong.set(time.Now())
	s.Handle(CmdPingAck, func(Packet) { s.lastPong.set(time.Now()) })
	s.Handle(CmdPing, func(Packet) { _ = s.Send(CmdPingAck, nil) })

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	peer, err := NewCodec(serverConn, key, key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, peer
}

func TestSessionDispatchesByCommand(t *testing.T) {
	s, peer := newTestSessionPair(t)

	got := make(chan Packet, 1)
	s.Handle(0x9A, func(p Packet) { got <- p })

	if err := peer.Encode(0x9A, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-got:
		if string(p.Payload) != "hello" {
			t.Fatalf("payload = %q", p.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestSessionSendIsDeliveredInOrder(t *testing.T) {
	s, peer := newTestSessionPair(t)

	if err := s.Send(0x01, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(0x02, []byte{2}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []byte{0x01, 0x02} {
		p, err := peer.Decode()
		if err != nil {
			t.Fatal(err)
		}
		if p.Cmd != want {
			t.Fatalf("cmd = %x, want %x", p.Cmd, want)
		}
	}
}

func TestSessionRespondsToPing(t *testing.T) {
	s, peer := newTestSessionPair(t)
	_ = s

	if err := peer.Encode(CmdPing, nil); err != nil {
		t.Fatal(err)
	}
	p, err := peer.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if p.Cmd != CmdPingAck {
		t.Fatalf("expected PingAck reply, got cmd %x", p.Cmd)
	}
}

func TestSessionCloseIsIdempotentAndStopsLoops(t *testing.T) {
	s, _ := newTestSessionPair(t)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if err := s.Send(0x01, nil); err == nil {
		t.Fatal("Send after Close should fail")
	}
}

// Package dealer implements the Connect remote-control transport: a
// TLS+WebSocket-framed JSON channel to the Service, parsed into typed
// Events and kept alive with ping/pong and reconnect-with-backoff.
package dealer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waveecore/waveecore/internal/logging"
)

// DefaultPingInterval is the Service's nominal ping cadence; the
// connection is declared dead after twice this with no inbound frame.
const DefaultPingInterval = 30 * time.Second

// pongWithin bounds how quickly a pong must follow an inbound ping.
const pongWithin = 500 * time.Millisecond

// reconnectBackoff is the literal schedule: 1s, 2s, 4s, 8s, then capped at 60s.
var reconnectBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	60 * time.Second,
}

// requestKeyPattern matches "<positive integer>/<non-empty device id>".
var requestKeyPattern = regexp.MustCompile(`^[1-9][0-9]*/.+$`)

// MessageType discriminates a dealer frame's top-level "type" field.
type MessageType string

const (
	TypePing    MessageType = "ping"
	TypePong    MessageType = "pong"
	TypeMessage MessageType = "message"
	TypeRequest MessageType = "request"
	TypeReply   MessageType = "reply"
	TypeUnknown MessageType = "unknown"
)

// Event is the parsed form of one inbound dealer frame.
type Event struct {
	Type MessageType

	// Populated when Type == TypeMessage.
	URI     string
	Headers map[string]string
	Payload []byte // base64-decoded, concatenation of every payload entry

	// Populated when Type == TypeRequest.
	Key          string
	MessageIdent string
	Command      json.RawMessage
}

type wireMessage struct {
	URI      string             `json:"uri"`
	Headers  map[string]*string `json:"headers"`
	Payloads []string           `json:"payloads"`
}

type wireRequest struct {
	Key          string `json:"key"`
	MessageIdent string `json:"message_ident"`
	Payload      struct {
		Command json.RawMessage `json:"command"`
	} `json:"payload"`
}

// Transport owns one dealer connection's read loop, ping/pong keepalive,
// and reconnect-with-backoff, emitting parsed frames on Events().
type Transport struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	pingInterval time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   chan Event
}

// New builds a Transport dialing wsURL once Run is called.
func New(wsURL string) *Transport {
	return &Transport{
		url:          wsURL,
		dialer:       websocket.DefaultDialer,
		log:          logging.For("dealer"),
		pingInterval: DefaultPingInterval,
		events:       make(chan Event, 32),
	}
}

// WithPingInterval overrides the default 30s inbound-frame expectation.
func (t *Transport) WithPingInterval(d time.Duration) *Transport {
	t.pingInterval = d
	return t
}

// Events returns the channel of parsed inbound events; closed once Run
// returns (ctx canceled).
func (t *Transport) Events() <-chan Event { return t.events }

// Run dials and serves the connection until ctx is canceled, reconnecting
// with backoff whenever the connection drops or goes quiet.
func (t *Transport) Run(ctx context.Context) {
	defer close(t.events)
	attempt := 0
	for ctx.Err() == nil {
		if err := t.serveOnce(ctx); err != nil {
			t.log.Warn("dealer: connection ended, reconnecting", "error", err, "attempt", attempt)
		}
		if ctx.Err() != nil {
			return
		}
		delay := reconnectBackoff[attempt]
		if attempt < len(reconnectBackoff)-1 {
			attempt++
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) serveOnce(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dealer: dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer conn.Close()

	t.log.Info("dealer: connected", "url", t.url)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastInbound := make(chan struct{}, 1)
	go t.watchdog(connCtx, conn, 2*t.pingInterval, lastInbound)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("dealer: read: %w", err)
		}
		select {
		case lastInbound <- struct{}{}:
		default:
		}
		t.handleFrame(conn, data)
	}
}

// watchdog closes conn if no inbound frame arrives within deadline of the
// last one (or connection start).
func (t *Transport) watchdog(ctx context.Context, conn *websocket.Conn, deadline time.Duration, lastInbound <-chan struct{}) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lastInbound:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(deadline)
		case <-timer.C:
			t.log.Warn("dealer: no inbound frame within deadline, closing", "deadline", deadline)
			conn.Close()
			return
		}
	}
}

func (t *Transport) handleFrame(conn *websocket.Conn, data []byte) {
	typ, ok := scanType(data)
	if !ok {
		t.emit(Event{Type: TypeUnknown})
		return
	}

	switch MessageType(typ) {
	case TypePing:
		go t.sendPong(conn)
		t.emit(Event{Type: TypePing})
	case TypePong:
		t.emit(Event{Type: TypePong})
	case TypeMessage:
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			t.log.Debug("dealer: malformed message frame", "error", err)
			return
		}
		t.emit(Event{
			Type:    TypeMessage,
			URI:     wm.URI,
			Headers: dropNilHeaders(wm.Headers),
			Payload: decodePayloads(wm.Payloads),
		})
	case TypeRequest:
		var wr wireRequest
		if err := json.Unmarshal(data, &wr); err != nil {
			t.log.Debug("dealer: malformed request frame", "error", err)
			return
		}
		if !requestKeyPattern.MatchString(wr.Key) {
			t.log.Debug("dealer: rejecting request with malformed key", "key", wr.Key)
			return
		}
		t.emit(Event{
			Type:         TypeRequest,
			Key:          wr.Key,
			MessageIdent: wr.MessageIdent,
			Command:      wr.Payload.Command,
		})
	default:
		t.emit(Event{Type: TypeUnknown})
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("dealer: event channel full, dropping frame", "type", ev.Type)
	}
}

func (t *Transport) sendPong(conn *websocket.Conn) {
	if err := t.writeJSON(conn, map[string]any{"type": "pong"}); err != nil {
		t.log.Warn("dealer: pong failed", "error", err)
	}
}

func (t *Transport) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(pongWithin))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendReply sends a reply frame bound to the request identified by key.
func (t *Transport) SendReply(key string, success bool) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("dealer: not connected")
	}
	return t.writeJSON(conn, map[string]any{
		"type":    "reply",
		"key":     key,
		"payload": map[string]any{"success": success},
	})
}

func dropNilHeaders(in map[string]*string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func decodePayloads(payloads []string) []byte {
	var out []byte
	for _, p := range payloads {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return out
}

// scanType extracts the string value of the first `"type"` key in the frame
// by a byte-level scan rather than unmarshaling the whole frame, so a large
// message/payload array never gets allocated just to learn its
// discriminator. The scan does not track object nesting or string
// boundaries: if a nested object (or a string value) containing `"type"`
// comes before the top-level key, that earlier occurrence is the one read.
// Malformed JSON (missing/unterminated key) reports ok=false.
func scanType(data []byte) (string, bool) {
	const key = `"type"`
	idx := indexOf(data, key)
	if idx < 0 {
		return "", false
	}
	i := idx + len(key)
	i = skipSpace(data, i)
	if i >= len(data) || data[i] != ':' {
		return "", false
	}
	i++
	i = skipSpace(data, i)
	if i >= len(data) || data[i] != '"' {
		return "", false
	}
	i++
	start := i
	for i < len(data) {
		if data[i] == '\\' {
			i += 2
			continue
		}
		if data[i] == '"' {
			break
		}
		i++
	}
	if i >= len(data) {
		return "", false
	}

	var out string
	token := append([]byte{'"'}, data[start:i+1]...)
	if err := json.Unmarshal(token, &out); err != nil {
		return string(data[start:i]), true
	}
	return out, true
}

func indexOf(data []byte, s string) int {
	n := len(s)
	for i := 0; i+n <= len(data); i++ {
		if string(data[i:i+n]) == s {
			return i
		}
	}
	return -1
}

func skipSpace(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

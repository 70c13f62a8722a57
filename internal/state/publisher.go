package state

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/waveecore/waveecore/internal/logging"
)

// DefaultKeepalive is the maximum interval between PutState publications
// even when the underlying playback state hasn't changed.
const DefaultKeepalive = 30 * time.Second

// PutStateRequest is the payload contract the publisher sends to
// synchronize local playback state with the Service's device graph.
type PutStateRequest struct {
	State           PlaybackState
	TimestampUnixMs int64
	SeqNum          uint64
}

// Sender delivers one PutStateRequest to the Service. Out-of-order server
// acks are the sender's concern to ignore, not the publisher's.
type Sender interface {
	PutState(ctx context.Context, req PutStateRequest) error
}

// Publisher derives PutState-equivalent updates from a Subject: one on
// every state change, and at least every keepalive interval regardless.
// Each publication carries a strictly increasing timestamp (inherited from
// the Subject) and an incrementing sequence number.
type Publisher struct {
	subject   *Subject
	sender    Sender
	keepalive time.Duration
	log       *slog.Logger

	seq        uint64 // atomic
	lastSentMs int64  // last TimestampUnixMs actually sent, for strict monotonicity across keepalives
}

// NewPublisher builds a Publisher over subject, delivering through sender.
func NewPublisher(subject *Subject, sender Sender) *Publisher {
	return &Publisher{
		subject:   subject,
		sender:    sender,
		keepalive: DefaultKeepalive,
		log:       logging.For("state.publisher"),
	}
}

// WithKeepalive overrides the default 30s keepalive interval.
func (p *Publisher) WithKeepalive(d time.Duration) *Publisher {
	p.keepalive = d
	return p
}

// Run subscribes to the subject and publishes until ctx is canceled or the
// subject completes. Blocks; call it from its own goroutine.
func (p *Publisher) Run(ctx context.Context) {
	ch, cancel := p.subject.Subscribe()
	defer cancel()

	ticker := time.NewTicker(p.keepalive)
	defer ticker.Stop()

	var last PlaybackState
	var haveLast bool

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			last, haveLast = st, true
			p.publish(ctx, st)
			ticker.Reset(p.keepalive)
		case <-ticker.C:
			if haveLast {
				p.publish(ctx, last)
			}
		}
	}
}

// publish is only ever called from Run's goroutine, so lastSentMs needs no
// synchronization of its own.
func (p *Publisher) publish(ctx context.Context, st PlaybackState) {
	seq := atomic.AddUint64(&p.seq, 1)
	ts := st.TimestampUnixMs
	if ts <= p.lastSentMs {
		// A keepalive republish of an unchanged state carries the same
		// st.TimestampUnixMs as last time; bump by one so every publication,
		// not just every state change, has a strictly increasing timestamp.
		ts = p.lastSentMs + 1
	}
	p.lastSentMs = ts
	req := PutStateRequest{State: st, TimestampUnixMs: ts, SeqNum: seq}
	if err := p.sender.PutState(ctx, req); err != nil {
		p.log.Warn("state publisher: PutState failed", "error", err)
	}
}

package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu  sync.Mutex
	got []PutStateRequest
}

func (r *recordingSender) PutState(_ context.Context, req PutStateRequest) error {
	r.mu.Lock()
	r.got = append(r.got, req)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []PutStateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PutStateRequest(nil), r.got...)
}

func TestPublisherPublishesOnChangeWithIncreasingSeqAndTimestamp(t *testing.T) {
	subject := NewSubject()
	sender := &recordingSender{}
	pub := NewPublisher(subject, sender).WithKeepalive(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	subject.Publish(PlaybackState{TrackURI: "a", TimestampUnixMs: 1})
	// Run subscribes asynchronously and the subject replays only its latest
	// value, so let "a" go out before publishing the next change.
	for wait := time.Now().Add(time.Second); time.Now().Before(wait) && len(sender.snapshot()) < 1; {
		time.Sleep(5 * time.Millisecond)
	}
	subject.Publish(PlaybackState{TrackURI: "b", TimestampUnixMs: 2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sender.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := sender.snapshot()
	if len(got) < 2 {
		t.Fatalf("got %d publications, want >= 2", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].SeqNum <= got[i-1].SeqNum {
			t.Fatalf("seq not increasing: %d then %d", got[i-1].SeqNum, got[i].SeqNum)
		}
		if got[i].TimestampUnixMs <= got[i-1].TimestampUnixMs {
			t.Fatalf("timestamp not increasing: %d then %d", got[i-1].TimestampUnixMs, got[i].TimestampUnixMs)
		}
	}
}

func TestPublisherKeepaliveRepublishesLastValue(t *testing.T) {
	subject := NewSubject()
	sender := &recordingSender{}
	pub := NewPublisher(subject, sender).WithKeepalive(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	subject.Publish(PlaybackState{TrackURI: "a", TimestampUnixMs: 1})

	time.Sleep(100 * time.Millisecond)
	got := sender.snapshot()
	if len(got) < 3 {
		t.Fatalf("expected repeated keepalive publications, got %d", len(got))
	}
	for _, req := range got {
		if req.State.TrackURI != "a" {
			t.Fatalf("keepalive republished wrong state: %q", req.State.TrackURI)
		}
	}
}

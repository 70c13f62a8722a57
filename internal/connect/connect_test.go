package connect

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/waveecore/waveecore/internal/dealer"
	"github.com/waveecore/waveecore/internal/pipeline"
)

type fakePipeline struct {
	played        []pipeline.PlayCommand
	paused        int
	resumed       int
	seekedMs      []int64
	shuffle       *bool
	repeatTrack   *bool
	repeatContext *bool
	failNext      error
}

func (f *fakePipeline) Play(ctx context.Context, cmd pipeline.PlayCommand) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.played = append(f.played, cmd)
	return nil
}
func (f *fakePipeline) Pause() error  { f.paused++; return nil }
func (f *fakePipeline) Resume() error { f.resumed++; return nil }
func (f *fakePipeline) Seek(ctx context.Context, ms int64) error {
	f.seekedMs = append(f.seekedMs, ms)
	return nil
}
func (f *fakePipeline) SetShuffle(on bool)       { f.shuffle = &on }
func (f *fakePipeline) SetRepeatTrack(on bool)   { f.repeatTrack = &on }
func (f *fakePipeline) SetRepeatContext(on bool) { f.repeatContext = &on }

type fakeQueue struct {
	nextURI, prevURI string
	nextErr          error
}

func (q *fakeQueue) Next(ctx context.Context) (string, error)     { return q.nextURI, q.nextErr }
func (q *fakeQueue) Previous(ctx context.Context) (string, error) { return q.prevURI, nil }

type fakeReplies struct {
	keys     []string
	successes []bool
}

func (r *fakeReplies) SendReply(key string, success bool) error {
	r.keys = append(r.keys, key)
	r.successes = append(r.successes, success)
	return nil
}

func mustCommand(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDispatchPlayUsesContextCurrentItem(t *testing.T) {
	p := &fakePipeline{}
	replies := &fakeReplies{}
	h := New(p, nil, replies)

	cmd := map[string]any{
		"endpoint": "play",
		"position": 1500,
		"context": map[string]any{
			"current_item": map[string]any{"uri": "spotify:track:abc"},
		},
	}
	h.handleRequest(context.Background(), dealer.Event{Key: "1/dev", Command: mustCommand(t, cmd)})

	if len(p.played) != 1 || p.played[0].TrackURI != "spotify:track:abc" || p.played[0].PositionMs != 1500 {
		t.Fatalf("unexpected play calls: %+v", p.played)
	}
	if replies.successes[0] != true {
		t.Fatalf("expected success reply, got %v", replies.successes)
	}
}

func TestDispatchTransferTreatedAsPlay(t *testing.T) {
	p := &fakePipeline{}
	h := New(p, nil, &fakeReplies{})
	cmd := map[string]any{"endpoint": "transfer", "context": map[string]any{"current_item": map[string]any{"uri": "spotify:track:xyz"}}}
	h.handleRequest(context.Background(), dealer.Event{Key: "1/dev", Command: mustCommand(t, cmd)})
	if len(p.played) != 1 || p.played[0].TrackURI != "spotify:track:xyz" {
		t.Fatalf("unexpected play calls: %+v", p.played)
	}
}

func TestDispatchSimpleEndpoints(t *testing.T) {
	p := &fakePipeline{}
	h := New(p, nil, &fakeReplies{})

	h.handleRequest(context.Background(), dealer.Event{Key: "1/d", Command: mustCommand(t, map[string]any{"endpoint": "pause"})})
	h.handleRequest(context.Background(), dealer.Event{Key: "2/d", Command: mustCommand(t, map[string]any{"endpoint": "resume"})})
	h.handleRequest(context.Background(), dealer.Event{Key: "3/d", Command: mustCommand(t, map[string]any{"endpoint": "seek_to", "position": 9000})})
	h.handleRequest(context.Background(), dealer.Event{Key: "4/d", Command: mustCommand(t, map[string]any{"endpoint": "set_shuffling_context", "value": true})})
	h.handleRequest(context.Background(), dealer.Event{Key: "5/d", Command: mustCommand(t, map[string]any{"endpoint": "set_repeating_track", "value": true})})
	h.handleRequest(context.Background(), dealer.Event{Key: "6/d", Command: mustCommand(t, map[string]any{"endpoint": "set_repeating_context", "value": false})})

	if p.paused != 1 || p.resumed != 1 {
		t.Fatalf("paused=%d resumed=%d", p.paused, p.resumed)
	}
	if len(p.seekedMs) != 1 || p.seekedMs[0] != 9000 {
		t.Fatalf("seekedMs = %v", p.seekedMs)
	}
	if p.shuffle == nil || !*p.shuffle {
		t.Fatal("expected shuffle=true")
	}
	if p.repeatTrack == nil || !*p.repeatTrack {
		t.Fatal("expected repeatTrack=true")
	}
	if p.repeatContext == nil || *p.repeatContext {
		t.Fatal("expected repeatContext=false")
	}
}

func TestDispatchSkipNextUsesQueueManager(t *testing.T) {
	p := &fakePipeline{}
	q := &fakeQueue{nextURI: "spotify:track:next"}
	h := New(p, q, &fakeReplies{})

	h.handleRequest(context.Background(), dealer.Event{Key: "1/d", Command: mustCommand(t, map[string]any{"endpoint": "skip_next"})})

	if len(p.played) != 1 || p.played[0].TrackURI != "spotify:track:next" {
		t.Fatalf("unexpected play calls: %+v", p.played)
	}
}

func TestDispatchSkipNextWithoutQueueManagerFails(t *testing.T) {
	p := &fakePipeline{}
	replies := &fakeReplies{}
	h := New(p, nil, replies)

	h.handleRequest(context.Background(), dealer.Event{Key: "1/d", Command: mustCommand(t, map[string]any{"endpoint": "skip_next"})})

	if replies.successes[0] != false {
		t.Fatalf("expected failure reply, got %v", replies.successes)
	}
}

func TestDispatchUnknownEndpointRepliesFailure(t *testing.T) {
	replies := &fakeReplies{}
	h := New(&fakePipeline{}, nil, replies)

	h.handleRequest(context.Background(), dealer.Event{Key: "1/d", Command: mustCommand(t, map[string]any{"endpoint": "something_else"})})

	if replies.successes[0] != false {
		t.Fatalf("expected failure reply for unknown endpoint, got %v", replies.successes)
	}
}

func TestRunIgnoresNonRequestEvents(t *testing.T) {
	p := &fakePipeline{}
	replies := &fakeReplies{}
	h := New(p, nil, replies)

	events := make(chan dealer.Event, 4)
	events <- dealer.Event{Type: dealer.TypePing}
	events <- dealer.Event{Type: dealer.TypeMessage, URI: "hm://x"}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Run(ctx, events)

	if len(replies.keys) != 0 {
		t.Fatalf("expected no replies for non-request events, got %v", replies.keys)
	}
}

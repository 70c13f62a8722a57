package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/waveecore/waveecore/internal/chain"
	"github.com/waveecore/waveecore/internal/decode"
	"github.com/waveecore/waveecore/internal/sink"
)

// silenceBytesReader is a seekable in-memory stream of arbitrary bytes that
// the fake decoder below treats as silence, regardless of content.
type silenceBytesReader struct {
	*bytes.Reader
}

func newSilenceStream(n int) *silenceBytesReader {
	return &silenceBytesReader{Reader: bytes.NewReader(make([]byte, n))}
}

// fakeDecoder emits fixed-size silent PCM buffers at a nominal format,
// simulating durationMs worth of audio regardless of the bytes it reads.
type fakeDecoder struct {
	format     decode.AudioFormat
	durationMs int64
	frameMs    int64
}

func (d *fakeDecoder) CanDecode(header []byte) bool { return true }

func (d *fakeDecoder) Format(r io.Reader) (decode.AudioFormat, error) { return d.format, nil }

func (d *fakeDecoder) Decode(r io.Reader, startMs int64, onMetadata decode.MetadataCallback) (<-chan decode.Buffer, <-chan error) {
	out := make(chan decode.Buffer, 4)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		samplesPerFrame := int(d.frameMs) * d.format.SampleRate / 1000 * d.format.Channels
		for ms := startMs; ms < d.durationMs; ms += d.frameMs {
			out <- decode.Buffer{Format: d.format, PCM: make([]int16, samplesPerFrame)}
		}
	}()
	return out, errc
}

type stubSource struct {
	stream *silenceBytesReader
}

func (s *stubSource) Load(ctx context.Context, uri string) (*TrackStream, error) {
	s.stream.Seek(0, io.SeekStart)
	return &TrackStream{Audio: s.stream, Metadata: decode.TrackMetadata{DurationMs: 10_000}, CanSeek: true}, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *sink.StubSink) {
	t.Helper()
	format := decode.AudioFormat{SampleRate: 44100, Channels: 2}
	registry := &decode.Registry{}
	registry.Register(&fakeDecoder{format: format, durationMs: 10_000, frameMs: 100})

	stubSink := sink.NewStubSink()
	stubSink.SpeedFactor = 50 // run much faster than real time

	p := New(&stubSource{stream: newSilenceStream(4096)}, registry, chain.New(), stubSink, WithCommandTimeout(2*time.Second))
	return p, stubSink
}

func waitForPosition(t *testing.T, p *Pipeline, atLeastMs int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.CurrentState().PositionMs >= atLeastMs {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("position never reached %dms within %s (last=%dms)", atLeastMs, timeout, p.CurrentState().PositionMs)
}

func TestPlaybackBasicScenario(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Dispose()

	if err := p.Play(context.Background(), PlayCommand{TrackURI: "stub:x", PositionMs: 5000}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	st := p.CurrentState()
	if !st.IsPlaying || st.IsPaused {
		t.Fatalf("expected IsPlaying after Play, got %+v", st)
	}

	waitForPosition(t, p, 5000, time.Second)

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st = p.CurrentState()
	if !st.IsPaused || st.IsPlaying {
		t.Fatalf("expected IsPaused after Pause, got %+v", st)
	}
	paused := p.CurrentState().PositionMs
	time.Sleep(50 * time.Millisecond)
	if p.CurrentState().PositionMs != paused {
		t.Fatalf("position advanced while paused: %d -> %d", paused, p.CurrentState().PositionMs)
	}

	if err := p.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st = p.CurrentState()
	if !st.IsPlaying {
		t.Fatalf("expected IsPlaying after Resume, got %+v", st)
	}
}

func TestSecondPlayWithinWindowCancelsFirst(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Dispose()

	if err := p.Play(context.Background(), PlayCommand{TrackURI: "stub:first"}); err != nil {
		t.Fatalf("Play first: %v", err)
	}
	if err := p.Play(context.Background(), PlayCommand{TrackURI: "stub:second"}); err != nil {
		t.Fatalf("Play second: %v", err)
	}

	st := p.CurrentState()
	if st.TrackURI != "stub:second" {
		t.Fatalf("TrackURI = %q, want stub:second", st.TrackURI)
	}
}

func TestSeekWhileStoppedIsRejected(t *testing.T) {
	p, _ := newTestPipeline(t)
	defer p.Dispose()

	if err := p.Seek(context.Background(), 1000); err == nil {
		t.Fatal("expected Seek on Stopped pipeline to fail")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	p, _ := newTestPipeline(t)
	if err := p.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := p.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if err := p.Play(context.Background(), PlayCommand{TrackURI: "stub:x"}); err == nil {
		t.Fatal("expected Play after Dispose to fail")
	}
}

func TestRepeatTrackRestartsAtZero(t *testing.T) {
	format := decode.AudioFormat{SampleRate: 44100, Channels: 2}
	registry := &decode.Registry{}
	registry.Register(&fakeDecoder{format: format, durationMs: 200, frameMs: 50})

	stubSink := sink.NewStubSink()
	stubSink.SpeedFactor = 200

	p := New(&stubSource{stream: newSilenceStream(4096)}, registry, chain.New(), stubSink)
	defer p.Dispose()

	p.SetRepeatTrack(true)
	if err := p.Play(context.Background(), PlayCommand{TrackURI: "stub:loop"}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	ch, cancel := p.Subscribe()
	defer cancel()

	sawStoppedNever := true
	deadline := time.After(2 * time.Second)
	restarts := 0
loop:
	for {
		select {
		case st := <-ch:
			if !st.IsPlaying && !st.IsPaused {
				sawStoppedNever = false
			}
			if st.PositionMs == 0 && st.IsPlaying {
				restarts++
				if restarts >= 2 {
					break loop
				}
			}
		case <-deadline:
			break loop
		}
	}
	if !sawStoppedNever {
		t.Fatal("pipeline transitioned to Stopped despite repeat_track")
	}
	if restarts < 2 {
		t.Fatalf("expected at least 2 restarts at position 0, got %d", restarts)
	}
}
